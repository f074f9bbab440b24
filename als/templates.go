package als

// template holds the civic-signal material for one country. Phrases are
// generic civic keywords; none of them name the country directly. The date
// is fixed and regulatory-neutral so rendered blocks are reproducible.
type template struct {
	timezones     []string
	phrases       []string
	numberExample string
	dateExample   string
	regulatory    string
	defaultLocale string
}

// fixedDate is rendered into every block. Wall-clock time never appears;
// a moving date would break block immutability across retries and replays.
const fixedDate = "2025-06-15"

var templates = map[string]template{
	"US": {
		timezones:     []string{"America/New_York", "America/Chicago", "America/Los_Angeles"},
		phrases:       []string{"state DMV office hours", "county clerk filings", "city hall service desk"},
		numberExample: "1,234.56",
		dateExample:   "06/15/2025",
		regulatory:    "state consumer-protection notices apply",
		defaultLocale: "en-US",
	},
	"GB": {
		timezones:     []string{"Europe/London"},
		phrases:       []string{"council tax enquiries", "DVLA licensing desk", "local registry office"},
		numberExample: "1,234.56",
		dateExample:   "15/06/2025",
		regulatory:    "UK GDPR consumer notices apply",
		defaultLocale: "en-GB",
	},
	"DE": {
		timezones:     []string{"Europe/Berlin"},
		phrases:       []string{"Einwohnermeldeamt Termine", "Bürgeramt Öffnungszeiten", "KFZ-Zulassungsstelle"},
		numberExample: "1.234,56",
		dateExample:   "15.06.2025",
		regulatory:    "DSGVO-Verbraucherhinweise gelten",
		defaultLocale: "de-DE",
	},
	"FR": {
		timezones:     []string{"Europe/Paris"},
		phrases:       []string{"horaires de la mairie", "service carte grise", "guichet préfecture"},
		numberExample: "1 234,56",
		dateExample:   "15/06/2025",
		regulatory:    "mentions RGPD applicables",
		defaultLocale: "fr-FR",
	},
	"IT": {
		timezones:     []string{"Europe/Rome"},
		phrases:       []string{"orari del comune", "ufficio anagrafe", "sportello motorizzazione"},
		numberExample: "1.234,56",
		dateExample:   "15/06/2025",
		regulatory:    "informative GDPR applicabili",
		defaultLocale: "it-IT",
	},
	"CH": {
		timezones:     []string{"Europe/Zurich"},
		phrases:       []string{"Einwohnerkontrolle Schalter", "Strassenverkehrsamt Termine", "Gemeindehaus Öffnungszeiten"},
		numberExample: "1'234.56",
		dateExample:   "15.06.2025",
		regulatory:    "DSG-Verbraucherhinweise gelten",
		defaultLocale: "de-CH",
	},
	"JP": {
		timezones:     []string{"Asia/Tokyo"},
		phrases:       []string{"市役所の窓口時間", "区役所の住民課", "運転免許センター"},
		numberExample: "1,234.56",
		dateExample:   "2025/06/15",
		regulatory:    "個人情報保護法の通知が適用されます",
		defaultLocale: "ja-JP",
	},
	"SG": {
		timezones:     []string{"Asia/Singapore"},
		phrases:       []string{"HDB branch opening hours", "CPF service centre", "ICA document counter"},
		numberExample: "1,234.56",
		dateExample:   "15/06/2025",
		regulatory:    "PDPA consumer notices apply",
		defaultLocale: "en-SG",
	},
	"AU": {
		timezones:     []string{"Australia/Sydney", "Australia/Perth"},
		phrases:       []string{"Service NSW counter hours", "local council rates desk", "state licensing office"},
		numberExample: "1,234.56",
		dateExample:   "15/06/2025",
		regulatory:    "Australian Consumer Law notices apply",
		defaultLocale: "en-AU",
	},
	"CA": {
		timezones:     []string{"America/Toronto", "America/Vancouver"},
		phrases:       []string{"provincial service desk", "municipal licensing office", "health card renewals"},
		numberExample: "1,234.56",
		dateExample:   "2025-06-15",
		regulatory:    "PIPEDA consumer notices apply",
		defaultLocale: "en-CA",
	},
	"IN": {
		timezones:     []string{"Asia/Kolkata"},
		phrases:       []string{"municipal corporation desk", "RTO office hours", "tehsil office counter"},
		numberExample: "1,23,456.78",
		dateExample:   "15/06/2025",
		regulatory:    "DPDP Act consumer notices apply",
		defaultLocale: "en-IN",
	},
	"BR": {
		timezones:     []string{"America/Sao_Paulo"},
		phrases:       []string{"horário da prefeitura", "guichê do Detran", "cartório de registro civil"},
		numberExample: "1.234,56",
		dateExample:   "15/06/2025",
		regulatory:    "avisos da LGPD se aplicam",
		defaultLocale: "pt-BR",
	},
	"AE": {
		timezones:     []string{"Asia/Dubai"},
		phrases:       []string{"municipality service counter", "RTA customer happiness centre", "Emirates ID typing centre"},
		numberExample: "1,234.56",
		dateExample:   "15/06/2025",
		regulatory:    "federal consumer-protection notices apply",
		defaultLocale: "ar-AE",
	},
}

// countryAliases maps legacy or alternative codes to canonical ISO codes.
var countryAliases = map[string]string{
	"UK": "GB",
}

// SupportedCountries returns the canonical country codes with templates.
func SupportedCountries() []string {
	out := make([]string, 0, len(templates))
	for cc := range templates {
		out = append(out, cc)
	}
	return out
}
