package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var adafruit = map[string]string{
	"device":        "/dev/ttyACM0",
	"name":          "ttyACM0",
	"manufacturer":  "Adafruit",
	"product":       "Feather M4",
	"serial_number": "DF62585783553434",
	"vid":           "239A",
	"pid":           "8022",
	"vid_pid":       "239A:8022",
}

func mustCompile(t *testing.T, expr string) *Matcher {
	t.Helper()
	m, err := Compile(expr)
	require.NoError(t, err)
	return m
}

func TestLiteralCaseInsensitive(t *testing.T) {
	assert.True(t, mustCompile(t, "ADAFRUIT").Matches(adafruit))
	assert.True(t, mustCompile(t, "adafruit").Matches(adafruit))
	assert.False(t, mustCompile(t, "arduino").Matches(adafruit))
}

func TestLiteralWholeWordsOnly(t *testing.T) {
	// "Feather" and "M4" are words of the product; "eather" is not.
	assert.True(t, mustCompile(t, "Feather").Matches(adafruit))
	assert.True(t, mustCompile(t, "m4").Matches(adafruit))
	assert.False(t, mustCompile(t, "eather").Matches(adafruit))
}

func TestWildcards(t *testing.T) {
	assert.True(t, mustCompile(t, "Feath*").Matches(adafruit))
	assert.True(t, mustCompile(t, "F*M4").Matches(adafruit))
	assert.True(t, mustCompile(t, "Feather??4").Matches(adafruit))
	assert.False(t, mustCompile(t, "Feather???4").Matches(adafruit))
	// Quoted wildcards are literal characters.
	assert.False(t, mustCompile(t, `Feath"*"`).Matches(adafruit))
	assert.False(t, mustCompile(t, `Feath\*`).Matches(adafruit))
}

func TestAllTermsMustHold(t *testing.T) {
	assert.True(t, mustCompile(t, "Adafruit Feather").Matches(adafruit))
	assert.False(t, mustCompile(t, "Adafruit Arduino").Matches(adafruit))
}

func TestScopedLiteral(t *testing.T) {
	// Whole-value, anchored.
	assert.True(t, mustCompile(t, "manufacturer=Adafruit").Matches(adafruit))
	assert.False(t, mustCompile(t, "manufacturer=Ada").Matches(adafruit))
	assert.True(t, mustCompile(t, "manufacturer=Ada*").Matches(adafruit))
	// Scope is a key prefix, matched case-insensitively.
	assert.True(t, mustCompile(t, "manu=adafruit").Matches(adafruit))
	assert.True(t, mustCompile(t, "MANU=Adafruit").Matches(adafruit))
	// The value must live under the scoped key, not just anywhere.
	assert.False(t, mustCompile(t, "manufacturer=Feather*").Matches(adafruit))
}

func TestScopedRegex(t *testing.T) {
	assert.True(t, mustCompile(t, "Adafruit serial~/^DF625/").Matches(adafruit))
	assert.False(t, mustCompile(t, "adafruit serial~/^df625/").Matches(adafruit))
	// Substring unless anchored.
	assert.True(t, mustCompile(t, "serial~/8578/").Matches(adafruit))
	assert.False(t, mustCompile(t, "serial~/^8578/").Matches(adafruit))
	assert.True(t, mustCompile(t, `serial~/^DF\d+$/`).Matches(map[string]string{
		"serial_number": "DF62585",
	}))
}

func TestUnscopedRegex(t *testing.T) {
	assert.True(t, mustCompile(t, "~/Feather/").Matches(adafruit))
	assert.False(t, mustCompile(t, "~/feather/").Matches(adafruit))
	assert.True(t, mustCompile(t, `~/ttyACM[0-9]/`).Matches(adafruit))
}

func TestRegexSlashEscape(t *testing.T) {
	m := mustCompile(t, `device~/^\/dev\/ttyACM/`)
	assert.True(t, m.Matches(adafruit))
}

func TestNumericEquivalence(t *testing.T) {
	vid := map[string]string{"vid": "9114"}
	assert.True(t, mustCompile(t, "0x239a").Matches(vid))
	assert.True(t, mustCompile(t, "9114").Matches(vid))
	assert.False(t, mustCompile(t, "0x0001").Matches(vid))

	// Hex attribute values without a prefix count too.
	hexVid := map[string]string{"vid": "239A"}
	assert.True(t, mustCompile(t, "9114").Matches(hexVid))
	assert.True(t, mustCompile(t, "0x239A").Matches(hexVid))
}

func TestQuotingAndEscapes(t *testing.T) {
	attrs := map[string]string{"product": "My Device"}
	assert.True(t, mustCompile(t, `product="My Device"`).Matches(attrs))
	assert.True(t, mustCompile(t, `product=My\ Device`).Matches(attrs))
	assert.True(t, mustCompile(t, `"My Device"`).Matches(attrs))

	tab := map[string]string{"description": "a\tb"}
	assert.True(t, mustCompile(t, `description="a\tb"`).Matches(tab))
	assert.True(t, mustCompile(t, `description="a\x09b"`).Matches(tab))
	assert.True(t, mustCompile(t, `description="a	b"`).Matches(tab))
}

func TestQuotedOperatorsAreLiteral(t *testing.T) {
	attrs := map[string]string{"description": "a=b"}
	assert.True(t, mustCompile(t, `"a=b"`).Matches(attrs))
	assert.True(t, mustCompile(t, `a\=b`).Matches(attrs))
}

func TestCompileErrors(t *testing.T) {
	for _, expr := range []string{
		`"unterminated`,
		`~/unterminated`,
		`serial~/unterminated`,
		`\q`,
		`"\q"`,
		`"bad\x0g"`,
		`~/[bad/`,
		`p=1`, // pid? product?
		`=x`,
		`""`,
		`~/a/junk`,
	} {
		_, err := Compile(expr)
		require.Error(t, err, "expression %q", expr)
		var perr *ParseError
		require.ErrorAs(t, err, &perr, "expression %q", expr)
	}
}

func TestScopeResolution(t *testing.T) {
	// Exact well-known key always works even when it prefixes another.
	assert.True(t, mustCompile(t, "vid=239A").Matches(adafruit))
	// A prefix that is unique among well-known keys compiles.
	_, err := Compile("ser=X")
	assert.NoError(t, err)
	// Missing attribute fails the term, not the compile.
	assert.False(t, mustCompile(t, "location=x1").Matches(adafruit))
}

func TestOpenEndedKeys(t *testing.T) {
	attrs := map[string]string{"custom_field": "hello"}
	m := mustCompile(t, "custom_field=hello")
	assert.True(t, m.Matches(attrs))
	// Ambiguity against live keys fails the term quietly.
	two := map[string]string{"custom_a": "hello", "custom_b": "hello"}
	assert.False(t, mustCompile(t, "custom=hello").Matches(two))
}

func TestDeterminism(t *testing.T) {
	m := mustCompile(t, "Adafruit vid=239A serial~/^DF/")
	for i := 0; i < 10; i++ {
		assert.True(t, m.Matches(adafruit))
	}
}

func TestEmptyExpressionMatchesAll(t *testing.T) {
	assert.True(t, mustCompile(t, "").Matches(adafruit))
	assert.True(t, mustCompile(t, "   ").Matches(adafruit))
}

func TestString(t *testing.T) {
	assert.Equal(t, "vid=239A", mustCompile(t, "vid=239A").String())
}
