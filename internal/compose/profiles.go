package compose

import (
	"fmt"
	"regexp"
)

// Profile is one of four export quality presets trading encode speed for
// bitrate/CRF. Profiles only matter on re-encode branches (caption burn-in);
// stream-copy branches ignore them.
type Profile struct {
	Name   string
	Preset string // x264 speed preset
	CRF    int
}

var profiles = map[string]Profile{
	"draft":    {Name: "draft", Preset: "veryfast", CRF: 30},
	"standard": {Name: "standard", Preset: "medium", CRF: 23},
	"high":     {Name: "high", Preset: "slow", CRF: 20},
	"max":      {Name: "max", Preset: "slower", CRF: 18},
}

// ProfileByName resolves a preset name; empty means "standard".
func ProfileByName(name string) (Profile, error) {
	if name == "" {
		name = "standard"
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown quality profile %q (want draft, standard, high or max)", name)
	}
	return p, nil
}

var resolutionRe = regexp.MustCompile(`^[1-9][0-9]{1,3}x[1-9][0-9]{1,3}$`)

// ValidateResolution checks an optional "WxH" override. Empty is valid and
// means "keep source resolution".
func ValidateResolution(res string) error {
	if res == "" {
		return nil
	}
	if !resolutionRe.MatchString(res) {
		return fmt.Errorf("invalid resolution %q (want WxH, e.g. 1080x1920)", res)
	}
	return nil
}
