package zb

import "encoding/json"

// Formula is a typed view over the upstream formula metadata JSON:
// name, version, dependency names, and a platform-tag-to-bottle map.
type Formula struct {
	Name         string                `json:"name"`
	Version      string                `json:"-"`
	Dependencies []string              `json:"dependencies"`
	Bottle       map[string]BottleFile `json:"-"`

	raw rawFormula
}

// BottleFile is a single platform's pre-built archive: its download URL,
// the authoritative sha256 identity, and an optional rebuild counter.
type BottleFile struct {
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
	Rebuild int    `json:"rebuild"`
}

// rawFormula mirrors the wire shape documented in §6 of the spec:
//
//	{"name": "...", "versions": {"stable": "..."},
//	 "dependencies": ["..."],
//	 "bottle": {"stable": {"files": {"<tag>": {"url","sha256","rebuild"}}}}}
type rawFormula struct {
	Name         string   `json:"name"`
	Versions     struct{ Stable string `json:"stable"` } `json:"versions"`
	Dependencies []string `json:"dependencies"`
	Bottle       struct {
		Stable struct {
			Rebuild int                    `json:"rebuild"`
			Files   map[string]rawBottleFile `json:"files"`
		} `json:"stable"`
	} `json:"bottle"`
}

type rawBottleFile struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

// ParseFormula decodes a formula API response body into a Formula.
func ParseFormula(data []byte) (*Formula, error) {
	var raw rawFormula
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, newErr(KindInvalidIdentifier, "", "", "malformed formula JSON: "+err.Error(), err)
	}
	if raw.Name == "" {
		return nil, newErr(KindInvalidIdentifier, "", "", "formula JSON missing name", nil)
	}

	bottle := make(map[string]BottleFile, len(raw.Bottle.Stable.Files))
	for tag, f := range raw.Bottle.Stable.Files {
		bottle[tag] = BottleFile{URL: f.URL, SHA256: f.SHA256, Rebuild: raw.Bottle.Stable.Rebuild}
	}

	return &Formula{
		Name:         raw.Name,
		Version:      raw.Versions.Stable,
		Dependencies: append([]string(nil), raw.Dependencies...),
		Bottle:       bottle,
		raw:          raw,
	}, nil
}
