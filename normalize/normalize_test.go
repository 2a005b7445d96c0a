package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"Lowercases", "Federal 9MM 124gr JHP", "federal 9mm 124gr jhp"},
		{"StripsPunctuation", "Winchester .45 ACP (50-Pack)!", "winchester 45 acp 50 pack"},
		{"CollapsesWhitespace", "  Hornady   Critical\tDefense ", "hornady critical defense"},
		{"KeepsUnderscore", "some_sku_code", "some_sku_code"},
		{"Empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTitle(tt.in))
		})
	}
}

func TestNormalizeTitleIdempotent(t *testing.T) {
	inputs := []string{
		"Federal 9mm 124gr JHP",
		"  CCI Mini-Mag .22 LR  ",
		"REMINGTON UMC!!! 45acp",
	}
	for _, in := range inputs {
		once := NormalizeTitle(in)
		assert.Equal(t, once, NormalizeTitle(once))
	}
}

func TestTitleSignature(t *testing.T) {
	sig := TitleSignature("Federal Premium 9mm Luger 124gr")
	assert.Len(t, sig, 16)

	// Word order and punctuation don't change the signature.
	assert.Equal(t, sig, TitleSignature("124gr Luger 9mm premium FEDERAL"))
	assert.Equal(t, sig, TitleSignature("federal, premium: 9mm luger (124gr)"))

	// Different word content does.
	assert.NotEqual(t, sig, TitleSignature("Federal Premium 9mm Luger 115gr"))

	// Tokens of length <= 2 are ignored.
	assert.Equal(t, TitleSignature("big box ammo"), TitleSignature("big of ammo box"))
}

func TestNormalizeUPC(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"TwelveDigitIdentity", "012345678901", "012345678901", true},
		{"DashedUPC", "0-12345-67890-1", "012345678901", true},
		{"TenDigitPadded", "1234567890", "001234567890", true},
		{"ThirteenDigitTrimmed", "0012345678901", "012345678901", true},
		{"TooShort", "123456789", "", false},
		{"TooLong", "123456789012345", "", false},
		{"Empty", "", "", false},
		{"NonDigits", "abc-def", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeUPC(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeUPCIdempotentOnTwelveDigits(t *testing.T) {
	got, ok := NormalizeUPC("843654002819")
	require.True(t, ok)
	again, ok := NormalizeUPC(got)
	require.True(t, ok)
	assert.Equal(t, got, again)
}

func TestNormalizeBrand(t *testing.T) {
	norm, applied, id := NormalizeBrand("Federal Premium!", NoAliasLookup{})
	assert.Equal(t, "federal premium", norm)
	assert.False(t, applied)
	assert.Empty(t, id)

	norm, applied, id = NormalizeBrand("", NoAliasLookup{})
	assert.Empty(t, norm)
	assert.False(t, applied)
	assert.Empty(t, id)
}

type staticAlias map[string]string

func (s staticAlias) Lookup(brandNorm string) (string, bool, string, bool) {
	to, ok := s[brandNorm]
	if !ok {
		return brandNorm, false, "", false
	}
	return to, true, "alias-1", true
}

func TestNormalizeBrandAppliesAlias(t *testing.T) {
	aliases := staticAlias{"fed": "federal"}
	norm, applied, id := NormalizeBrand("FED", aliases)
	assert.Equal(t, "federal", norm)
	assert.True(t, applied)
	assert.Equal(t, "alias-1", id)
}

func TestExtractCaliber(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Federal 9mm 124gr JHP", "9mm"},
		{"Speer Gold Dot 9x19 +P", "9mm"},
		{"Winchester .45 ACP FMJ", ".45 ACP"},
		{"Remington 223 Rem 55gr", ".223 Remington"},
		{"Federal Top Gun 12ga Target", "12 Gauge"},
		{"Winchester Super-X .410 3in", "410 Gauge"},
		{"CCI .22 LR Mini-Mag", ".22 LR"},
	}
	for _, tt := range tests {
		got, ok := ExtractCaliber(tt.in, "", "")
		require.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, ok := ExtractCaliber("Gun Cleaning Kit", "", "")
	assert.False(t, ok)
}

func TestExtractCaliberFallsBackToAttributesAndURL(t *testing.T) {
	got, ok := ExtractCaliber("Premium Defense Ammo", "caliber=9mm", "")
	require.True(t, ok)
	assert.Equal(t, "9mm", got)

	got, ok = ExtractCaliber("Premium Defense Ammo", "", "https://shop.example/federal-45acp-box")
	require.True(t, ok)
	assert.Equal(t, ".45 ACP", got)
}

func TestExtractGrainWeight(t *testing.T) {
	n, ok := ExtractGrainWeight("Federal 9mm 124gr JHP", "", "")
	require.True(t, ok)
	assert.Equal(t, 124, n)

	n, ok = ExtractGrainWeight("Hornady 55 Grain V-Max", "", "")
	require.True(t, ok)
	assert.Equal(t, 55, n)

	_, ok = ExtractGrainWeight("Federal 12ga Target Load", "", "")
	assert.False(t, ok)
}

func TestExtractRoundCount(t *testing.T) {
	n, ok := ExtractRoundCount("Federal 9mm 124gr 50 Rounds", "", "")
	require.True(t, ok)
	assert.Equal(t, 50, n)

	n, ok = ExtractRoundCount("Blazer Brass 9mm 100ct", "", "")
	require.True(t, ok)
	assert.Equal(t, 100, n)

	_, ok = ExtractRoundCount("Federal 9mm 124gr", "", "")
	assert.False(t, ok)
}

func TestExtractShotAndShell(t *testing.T) {
	shot, ok := ExtractShotSize("Federal Top Gun 12ga #8 Shot", "", "")
	require.True(t, ok)
	assert.Equal(t, "8 Shot", shot)

	shell, ok := ExtractShellLength("Federal Top Gun 12ga 2-3/4in #8 Shot", "", "")
	require.True(t, ok)
	assert.Equal(t, "2.75in", shell)

	shell, ok = ExtractShellLength(`Winchester 12ga 3" Magnum`, "", "")
	require.True(t, ok)
	assert.Equal(t, "3in", shell)

	slug, ok := ExtractSlugWeight("Remington Slugger 1oz Slug", "", "")
	require.True(t, ok)
	assert.Equal(t, "1oz", slug)
}

func TestDeriveShotgunLoadType(t *testing.T) {
	// Explicit shot size wins.
	load, ok := DeriveShotgunLoadType("whatever", "8 Shot", "1oz")
	require.True(t, ok)
	assert.Equal(t, "8 Shot", load)

	// Slug weight next.
	load, ok = DeriveShotgunLoadType("whatever", "", "1oz")
	require.True(t, ok)
	assert.Equal(t, "1oz Slug", load)

	// Raw "Slug" token in the title.
	load, ok = DeriveShotgunLoadType("Remington Slugger Rifled Slug", "", "")
	require.True(t, ok)
	assert.Equal(t, "Slug", load)

	// Nothing derivable.
	_, ok = DeriveShotgunLoadType("Federal 12ga Target Load", "", "")
	assert.False(t, ok)
}

func TestIdentityKeyShotgunBranch(t *testing.T) {
	key, ok := IdentityKey(Fingerprint{
		BrandNorm:    "federal",
		CaliberNorm:  "12 Gauge",
		PackCount:    25,
		HasPackCount: true,
		LoadType:     "8 Shot",
		ShellLength:  "2.75in",
	})
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(key, "FP_SG:v1:"))
	assert.Len(t, strings.TrimPrefix(key, "FP_SG:v1:"), 64)

	// Title signature substitutes for a missing shell length.
	key2, ok := IdentityKey(Fingerprint{
		BrandNorm:      "federal",
		CaliberNorm:    "12 Gauge",
		PackCount:      25,
		HasPackCount:   true,
		LoadType:       "8 Shot",
		TitleSignature: "abcdef0123456789",
	})
	require.True(t, ok)
	assert.NotEqual(t, key, key2)

	// Missing load type sinks the branch.
	_, ok = IdentityKey(Fingerprint{
		BrandNorm:    "federal",
		CaliberNorm:  "12 Gauge",
		PackCount:    25,
		HasPackCount: true,
		ShellLength:  "2.75in",
	})
	assert.False(t, ok)
}

func TestIdentityKeyRifleBranch(t *testing.T) {
	fp := Fingerprint{
		BrandNorm:      "federal",
		CaliberNorm:    "9mm",
		PackCount:      50,
		HasPackCount:   true,
		Grain:          124,
		HasGrain:       true,
		TitleSignature: "abcdef0123456789",
	}
	key, ok := IdentityKey(fp)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(key, "FP:v1:"))

	// Deterministic.
	key2, ok := IdentityKey(fp)
	require.True(t, ok)
	assert.Equal(t, key, key2)

	// Grain is required on this branch.
	fp.HasGrain = false
	_, ok = IdentityKey(fp)
	assert.False(t, ok)
}

func TestIdentityKeyUnavailable(t *testing.T) {
	_, ok := IdentityKey(Fingerprint{CaliberNorm: "9mm"})
	assert.False(t, ok)

	_, ok = IdentityKey(Fingerprint{BrandNorm: "federal"})
	assert.False(t, ok)
}

func TestIsShotgunGauge(t *testing.T) {
	assert.True(t, IsShotgunGauge("12 Gauge"))
	assert.True(t, IsShotgunGauge("410 Gauge"))
	assert.False(t, IsShotgunGauge("9mm"))
	assert.False(t, IsShotgunGauge(""))
}
