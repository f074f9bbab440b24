// Package als generates Ambient Location Signal blocks: short, civic-only
// text that steers locale without naming the location in the user's prompt.
// Generation is fully deterministic for a given (seed key, seed key id,
// template id, country code), which is what makes blocks auditable: the
// stored SHA-256 can always be re-derived.
package als

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/itsneelabh/llmrouter/core"
)

// MaxNFCLength is the hard cap on the NFC-normalized block, counted in
// characters (runes), not bytes; multibyte templates get the same headroom
// as ASCII ones. A block that exceeds it fails the call; truncation would
// break immutability.
const MaxNFCLength = 350

// DefaultTemplateID is used when the caller supplies no template id.
const DefaultTemplateID = "als_v1"

// Block is the ephemeral, re-derivable ALS output. Raw text is handed to
// the router for injection and then dropped; only the provenance persists.
type Block struct {
	NFCText     string
	SHA256      string
	VariantID   string
	TemplateID  string
	SeedKeyID   string
	CountryCode string
	Locale      string
	NFCLength   int
}

// Provenance returns the loggable subset of the block. The text itself is
// deliberately excluded to avoid location-signal leakage in logs.
func (b *Block) Provenance() core.ALSProvenance {
	return core.ALSProvenance{
		Present:     true,
		SHA256:      b.SHA256,
		VariantID:   b.VariantID,
		TemplateID:  b.TemplateID,
		SeedKeyID:   b.SeedKeyID,
		CountryCode: b.CountryCode,
		Locale:      b.Locale,
		NFCLength:   b.NFCLength,
	}
}

// Builder renders ALS blocks from the country template table.
type Builder struct {
	seedKey   []byte
	seedKeyID string
	logger    core.Logger
}

// NewBuilder creates a Builder. The seed key is required; without it the
// deterministic variant selection would be forgeable.
func NewBuilder(cfg core.ALSConfig, logger core.Logger) (*Builder, error) {
	if cfg.SeedKey == "" {
		return nil, fmt.Errorf("%w: ALS_SEED_KEY must be set", core.ErrMissingConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Builder{
		seedKey:   []byte(cfg.SeedKey),
		seedKeyID: cfg.SeedKeyID,
		logger:    logger,
	}, nil
}

// CanonicalCountry uppercases the code and resolves aliases (UK -> GB).
func CanonicalCountry(countryCode string) string {
	cc := strings.ToUpper(strings.TrimSpace(countryCode))
	if canonical, ok := countryAliases[cc]; ok {
		return canonical
	}
	return cc
}

// Build renders the ALS block for a country. templateID may be empty.
//
// The rendered text is NFC-normalized, CRLF-free, and right-trimmed before
// hashing. Build fails with ALS_BLOCK_TOO_LONG when the result exceeds
// MaxNFCLength; it never truncates.
func (b *Builder) Build(countryCode, locale, templateID string) (*Block, error) {
	cc := CanonicalCountry(countryCode)
	tpl, ok := templates[cc]
	if !ok {
		return nil, core.NewGatewayError(core.ErrKindInvalidRequest, "als.Build",
			fmt.Sprintf("no ALS template for country %q; supported: %s", countryCode, strings.Join(SupportedCountries(), ", ")))
	}
	if templateID == "" {
		templateID = DefaultTemplateID
	}
	if locale == "" {
		locale = tpl.defaultLocale
	}

	mac := hmac.New(sha256.New, b.seedKey)
	mac.Write([]byte(b.seedKeyID))
	mac.Write([]byte(templateID))
	mac.Write([]byte(cc))
	h := mac.Sum(nil)

	phraseIdx := int(binary.BigEndian.Uint64(h[0:8]) % uint64(len(tpl.phrases)))
	tzIdx := 0
	if len(tpl.timezones) > 1 {
		tzIdx = int(binary.BigEndian.Uint32(h[8:12]) % uint32(len(tpl.timezones)))
	}

	text := renderBlock(tpl, phraseIdx, tzIdx)
	text = normalizeText(text)

	nfcLength := utf8.RuneCountInString(text)
	if nfcLength > MaxNFCLength {
		b.logger.Error("ALS block exceeds length bound", map[string]interface{}{
			"operation":   "als_build_error",
			"country":     cc,
			"template_id": templateID,
			"nfc_length":  nfcLength,
			"max_length":  MaxNFCLength,
		})
		return nil, core.NewGatewayError(core.ErrKindALSBlockTooLong, "als.Build",
			fmt.Sprintf("rendered ALS block is %d NFC chars, max %d; fix the template, do not truncate", nfcLength, MaxNFCLength))
	}

	sum := sha256.Sum256([]byte(text))
	block := &Block{
		NFCText:     text,
		SHA256:      hex.EncodeToString(sum[:]),
		VariantID:   fmt.Sprintf("variant_%d", phraseIdx),
		TemplateID:  templateID,
		SeedKeyID:   b.seedKeyID,
		CountryCode: cc,
		Locale:      locale,
		NFCLength:   nfcLength,
	}

	b.logger.Debug("ALS block generated", map[string]interface{}{
		"operation":   "als_build",
		"country":     cc,
		"template_id": templateID,
		"variant_id":  block.VariantID,
		"seed_key_id": b.seedKeyID,
		"sha256":      block.SHA256,
		"nfc_length":  block.NFCLength,
	})
	return block, nil
}

func renderBlock(tpl template, phraseIdx, tzIdx int) string {
	var sb strings.Builder
	sb.WriteString("Ambient context:\n")
	fmt.Fprintf(&sb, "As of %s (%s): %s.\n", fixedDate, tpl.timezones[tzIdx], tpl.phrases[phraseIdx])
	fmt.Fprintf(&sb, "Formats: %s; %s.\n", tpl.numberExample, tpl.dateExample)
	fmt.Fprintf(&sb, "Note: %s.", tpl.regulatory)
	return sb.String()
}

// normalizeText applies NFC, converts CRLF to LF, and right-trims each line
// plus the block as a whole.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \t\n")
}
