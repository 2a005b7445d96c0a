// Package normalize implements the pure, deterministic field-extraction and
// identity-key composition rules the resolver depends on. Nothing in this
// package performs I/O or returns an error: malformed input simply yields a
// negative "ok" result.
package normalize

import "regexp"

// DictionaryVersion is recorded in resolver evidence whenever an extractor in
// this package runs. Bump it whenever a regex table below changes shape so
// that old evidence can be told apart from new.
const DictionaryVersion = "v1"

// caliberPattern pairs a detector regex with the canonical caliber string it
// normalizes to. Order matters: the first pattern that matches wins, so more
// specific patterns (e.g. ".357 Sig") are listed ahead of looser ones
// (".357").
type caliberPattern struct {
	re   *regexp.Regexp
	norm string
}

var caliberTable = []caliberPattern{
	{regexp.MustCompile(`(?i)\b9\s*mm\b|\b9x19\b`), "9mm"},
	{regexp.MustCompile(`(?i)\.?357\s*sig\b`), ".357 SIG"},
	{regexp.MustCompile(`(?i)\.?357\s*mag(num)?\b`), ".357 Magnum"},
	{regexp.MustCompile(`(?i)\.?38\s*spl?(ecial)?\b|\.38\s*special\b`), ".38 Special"},
	{regexp.MustCompile(`(?i)\.?40\s*s&?w\b`), ".40 S&W"},
	{regexp.MustCompile(`(?i)\.?45\s*acp\b`), ".45 ACP"},
	{regexp.MustCompile(`(?i)\.?223\s*rem(ington)?\b`), ".223 Remington"},
	{regexp.MustCompile(`(?i)\b5\.56\s*(x45)?(nato)?\b`), "5.56 NATO"},
	{regexp.MustCompile(`(?i)\.?308\s*win(chester)?\b`), ".308 Winchester"},
	{regexp.MustCompile(`(?i)\.?30[-\s]?06\b`), ".30-06 Springfield"},
	{regexp.MustCompile(`(?i)\.?22\s*lr\b|\.22\s*long\s*rifle\b`), ".22 LR"},
	{regexp.MustCompile(`(?i)\b12\s*ga(uge)?\b`), "12 Gauge"},
	{regexp.MustCompile(`(?i)\b20\s*ga(uge)?\b`), "20 Gauge"},
	{regexp.MustCompile(`(?i)\b410\s*ga(uge)?\b|\.410\b`), "410 Gauge"},
	{regexp.MustCompile(`(?i)\b28\s*ga(uge)?\b`), "28 Gauge"},
	{regexp.MustCompile(`(?i)\b16\s*ga(uge)?\b`), "16 Gauge"},
}

// shotgunGauges is the set of caliberNorm values treated as shotgun gauges
// for identity-key routing: shotgun gauges take the FP_SG identity branch.
var shotgunGauges = map[string]bool{
	"12 Gauge": true,
	"16 Gauge": true,
	"20 Gauge": true,
	"28 Gauge": true,
	"410 Gauge": true,
}

var grainPattern = regexp.MustCompile(`(?i)(\d{2,4})\s*gr(ain)?s?\b`)

var roundCountPattern = regexp.MustCompile(`(?i)\b(\d{1,4})\s*(rounds?|rds?|ct|count|box of \d+)\b`)

var shotSizePattern = regexp.MustCompile(`(?i)#?\s*(\d{1,2}(?:\.\d)?|BB|BBB|T|F)\s*shot\b`)

var slugWeightPattern = regexp.MustCompile(`(?i)(\d{1,3}(?:\.\d)?)\s*(oz|ounce)\s*slug`)

var rawSlugPattern = regexp.MustCompile(`(?i)\bslug\b`)

var shellLengthPattern = regexp.MustCompile(`(?i)\b(\d)(?:[-\s](\d)/(\d{1,2})|\.(\d{1,2}))?\s*(?:in(?:ch(?:es)?)?\b|")`)

var weightBuckShotPattern = regexp.MustCompile(`(?i)(\d{1,3}(?:\.\d)?)\s*(oz|ounce)\s*(buck(shot)?|shot)\b`)
