package domain

// Profile is a DSA readability profile. The core never interprets it; it is
// forwarded to the processing service as-is.
type Profile struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Description      string  `json:"description"`
	Font             string  `json:"font"`
	FontSize         int     `json:"fontSize"`
	LineHeight       float64 `json:"lineHeight"`
	MaxWidth         int     `json:"maxWidth"`
	TextAlign        string  `json:"textAlign"`
	BackgroundColor  string  `json:"backgroundColor"`
	TextColor        string  `json:"textColor"`
	ParagraphSpacing int     `json:"paragraphSpacing"`
	LinkColor        string  `json:"linkColor"`
}

// BuiltinProfiles is the catalogue used when the service cannot be asked for its own.
var BuiltinProfiles = []Profile{
	{
		ID:               "base",
		Name:             "DSA Base",
		Description:      "Profilo base per la leggibilità DSA",
		Font:             "Atkinson Hyperlegible",
		FontSize:         16,
		LineHeight:       1.6,
		MaxWidth:         68,
		TextAlign:        "left",
		BackgroundColor:  "#F7F3E8",
		TextColor:        "#111111",
		ParagraphSpacing: 8,
		LinkColor:        "#2563EB",
	},
	{
		ID:               "high-readability",
		Name:             "Alta Leggibilità",
		Description:      "Profilo ottimizzato per massima leggibilità",
		Font:             "Atkinson Hyperlegible",
		FontSize:         18,
		LineHeight:       1.75,
		MaxWidth:         62,
		TextAlign:        "left",
		BackgroundColor:  "#F7F3E8",
		TextColor:        "#111111",
		ParagraphSpacing: 12,
		LinkColor:        "#2563EB",
	},
	{
		ID:               "pastel",
		Name:             "Pastello",
		Description:      "Profilo con colori più tenui e rilassanti",
		Font:             "Atkinson Hyperlegible",
		FontSize:         16,
		LineHeight:       1.6,
		MaxWidth:         68,
		TextAlign:        "left",
		BackgroundColor:  "#F2EDE6",
		TextColor:        "#2D2D2D",
		ParagraphSpacing: 8,
		LinkColor:        "#7C3AED",
	},
	{
		ID:               "opendyslexic",
		Name:             "OpenDyslexic",
		Description:      "Profilo con font OpenDyslexic per dislessia",
		Font:             "OpenDyslexic",
		FontSize:         16,
		LineHeight:       1.6,
		MaxWidth:         68,
		TextAlign:        "left",
		BackgroundColor:  "#F7F3E8",
		TextColor:        "#111111",
		ParagraphSpacing: 8,
		LinkColor:        "#2563EB",
	},
}

// DefaultProfile returns the first built-in profile.
func DefaultProfile() Profile {
	return BuiltinProfiles[0]
}

// FindProfile looks up a profile by ID in the given catalogue.
func FindProfile(profiles []Profile, id string) (Profile, bool) {
	for _, p := range profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}
