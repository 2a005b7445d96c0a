package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var nonAlnumUnderscore = regexp.MustCompile(`[^a-z0-9_]+`)
var whitespaceRun = regexp.MustCompile(`\s+`)
var digitsOnly = regexp.MustCompile(`[^0-9]`)

// NormalizeTitle lower-cases s, replaces every run of characters that is
// neither alphanumeric nor underscore with a single space, collapses
// whitespace, and trims. It is idempotent:
// NormalizeTitle(NormalizeTitle(s)) == NormalizeTitle(s).
func NormalizeTitle(s string) string {
	lower := strings.ToLower(s)
	replaced := nonAlnumUnderscore.ReplaceAllString(lower, " ")
	collapsed := whitespaceRun.ReplaceAllString(replaced, " ")
	return strings.TrimSpace(collapsed)
}

// TitleSignature computes a stable fingerprint of a title's word content:
// sha256 over the sorted, de-duplicated set of lowercase tokens longer than
// two characters, truncated to 16 hex characters. Two titles that differ
// only in word order or punctuation produce the same signature.
func TitleSignature(title string) string {
	normalized := NormalizeTitle(title)
	tokens := strings.Fields(normalized)

	seen := make(map[string]bool, len(tokens))
	var distinct []string
	for _, t := range tokens {
		if len(t) <= 2 {
			continue
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		distinct = append(distinct, t)
	}
	sort.Strings(distinct)

	sum := sha256.Sum256([]byte(strings.Join(distinct, " ")))
	return hex.EncodeToString(sum[:])[:16]
}

// NormalizeUPC keeps only the digits of s and left-pads to 12 characters.
// A result outside [10,14] digits is rejected. The empty/absent case is
// reported via ok=false rather than a sentinel string, so callers don't
// accidentally treat "absent" as a valid 12-digit UPC.
func NormalizeUPC(s string) (norm string, ok bool) {
	digits := digitsOnly.ReplaceAllString(s, "")
	if len(digits) < 10 || len(digits) > 14 {
		return "", false
	}
	if len(digits) < 12 {
		digits = strings.Repeat("0", 12-len(digits)) + digits
	} else if len(digits) > 12 {
		digits = digits[len(digits)-12:]
	}
	return digits, true
}

// AliasLookup resolves a normalized brand string through the brand-alias
// table (cache.AliasCache satisfies this). It is injected rather than
// imported directly so that this package stays free of cache/DB concerns
// and remains trivially pure-function testable.
type AliasLookup interface {
	Lookup(brandNorm string) (resolved string, aliasApplied bool, aliasID string, found bool)
}

// NoAliasLookup is an AliasLookup that never resolves anything; useful for
// callers (and tests) that don't have a live alias cache.
type NoAliasLookup struct{}

func (NoAliasLookup) Lookup(brandNorm string) (string, bool, string, bool) {
	return brandNorm, false, "", false
}

// NormalizeBrand applies the same character-class rules as NormalizeTitle,
// then consults aliases for a canonical brand mapping. aliasApplied is true
// only when the alias table actually rewrote the value, which the resolver
// records in evidence.
func NormalizeBrand(s string, aliases AliasLookup) (norm string, aliasApplied bool, aliasID string) {
	base := NormalizeTitle(s)
	if base == "" {
		return "", false, ""
	}
	resolved, applied, id, found := aliases.Lookup(base)
	if found && applied {
		return resolved, true, id
	}
	return base, false, ""
}

func findFirst(re *regexp.Regexp, fields ...string) (string, bool) {
	for _, f := range fields {
		if f == "" {
			continue
		}
		if m := re.FindStringSubmatch(f); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// ExtractCaliber looks up the first matching caliber pattern across title,
// then attributes, then url, normalizing to the canonical caliber string
// (e.g. "9mm", "12 Gauge").
func ExtractCaliber(title, attributes, url string) (string, bool) {
	for _, f := range []string{title, attributes, url} {
		if f == "" {
			continue
		}
		for _, p := range caliberTable {
			if p.re.MatchString(f) {
				return p.norm, true
			}
		}
	}
	return "", false
}

// IsShotgunGauge reports whether caliberNorm is one of the recognized
// shotgun gauge strings, which routes identity-key composition toward the
// FP_SG prefix.
func IsShotgunGauge(caliberNorm string) bool {
	return shotgunGauges[caliberNorm]
}

// ExtractGrainWeight finds a "<n>gr"/"<n>grain" token across the given
// fields, trying title first (title extraction failing is the trigger to
// fall back to attributes/url when the title yields nothing).
func ExtractGrainWeight(title, attributes, url string) (int, bool) {
	raw, ok := findFirst(grainPattern, title, attributes, url)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExtractRoundCount finds a round/count token such as "50 Rounds" or "20ct".
func ExtractRoundCount(title, attributes, url string) (int, bool) {
	raw, ok := findFirst(roundCountPattern, title, attributes, url)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExtractShotSize finds a shotshell pellet size token such as "#8 Shot" or
// "BB Shot", normalizing to upper case.
func ExtractShotSize(title, attributes, url string) (string, bool) {
	raw, ok := findFirst(shotSizePattern, title, attributes, url)
	if !ok {
		return "", false
	}
	return strings.ToUpper(raw) + " Shot", true
}

// ExtractSlugWeight finds an explicit "<n>oz Slug" token.
func ExtractSlugWeight(title, attributes, url string) (string, bool) {
	for _, f := range []string{title, attributes, url} {
		if f == "" {
			continue
		}
		if m := slugWeightPattern.FindStringSubmatch(f); m != nil {
			return m[1] + "oz", true
		}
	}
	return "", false
}

// ExtractShellLength finds a shotshell length token such as `2-3/4in` or
// `3"`, normalizing fractional inch notation to a decimal string
// ("2-3/4in" -> "2.75in").
func ExtractShellLength(title, attributes, url string) (string, bool) {
	for _, f := range []string{title, attributes, url} {
		if f == "" {
			continue
		}
		m := shellLengthPattern.FindStringSubmatch(f)
		if m == nil {
			continue
		}
		whole, _ := strconv.Atoi(m[1])
		switch {
		case m[2] != "" && m[3] != "":
			num, _ := strconv.Atoi(m[2])
			den, _ := strconv.Atoi(m[3])
			if den == 0 {
				continue
			}
			v := float64(whole) + float64(num)/float64(den)
			return strconv.FormatFloat(v, 'f', -1, 64) + "in", true
		case m[4] != "":
			return m[1] + "." + m[4] + "in", true
		default:
			return m[1] + "in", true
		}
	}
	return "", false
}

// DeriveShotgunLoadType picks the first applicable of:
// explicit shot size -> slug-weight-with-"Slug" -> raw "Slug" -> weight+Buck/Shot.
func DeriveShotgunLoadType(title string, shotSize, slugWeight string) (string, bool) {
	if shotSize != "" {
		return shotSize, true
	}
	if slugWeight != "" {
		return slugWeight + " Slug", true
	}
	if rawSlugPattern.MatchString(title) {
		return "Slug", true
	}
	if m := weightBuckShotPattern.FindStringSubmatch(title); m != nil {
		kind := "Buck"
		if strings.EqualFold(m[2+1], "shot") {
			kind = "Shot"
		}
		return m[1] + "oz " + kind, true
	}
	return "", false
}

// Fingerprint carries every normalized field the identity-key composition
// may draw on. Zero values mean "absent" except PackCount and Grain,
// whose presence is tracked by the Has* flags since 0 is a valid count.
type Fingerprint struct {
	BrandNorm      string
	CaliberNorm    string
	PackCount      int
	HasPackCount   bool
	LoadType       string
	ShellLength    string
	Grain          int
	HasGrain       bool
	TitleSignature string
}

// IdentityKey composes the full fingerprint canonical key, prefix included
// ("FP_SG:v1:<hex>" / "FP:v1:<hex>"), returning
// ok=false when neither branch's required fields are all present, in
// which case the caller (resolver) falls back to fuzzy matching.
//
// Shotgun branch requires brand, caliber, pack count, load type, and
// either shell length or title signature. Rifle/handgun branch requires
// brand, caliber, title signature, grain, and pack count.
func IdentityKey(fp Fingerprint) (key string, ok bool) {
	if fp.BrandNorm == "" || fp.CaliberNorm == "" {
		return "", false
	}

	if IsShotgunGauge(fp.CaliberNorm) {
		shellOrSig := fp.ShellLength
		if shellOrSig == "" {
			shellOrSig = fp.TitleSignature
		}
		if fp.PackCount <= 0 && !fp.HasPackCount {
			return "", false
		}
		if fp.LoadType == "" || shellOrSig == "" {
			return "", false
		}
		raw := strings.Join([]string{
			fp.BrandNorm, fp.CaliberNorm, strconv.Itoa(fp.PackCount), fp.LoadType, shellOrSig,
		}, "|")
		sum := sha256.Sum256([]byte(raw))
		return "FP_SG:v1:" + hex.EncodeToString(sum[:]), true
	}

	if fp.TitleSignature == "" || !fp.HasGrain || !fp.HasPackCount {
		return "", false
	}
	raw := strings.Join([]string{
		fp.BrandNorm, fp.CaliberNorm, strconv.Itoa(fp.Grain), strconv.Itoa(fp.PackCount), fp.TitleSignature,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return "FP:v1:" + hex.EncodeToString(sum[:]), true
}
