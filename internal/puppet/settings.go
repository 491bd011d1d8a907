package puppet

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Faultbox/l2dview/internal/assets"
)

// Standard group names in model settings.
const (
	GroupLipSync  = "LipSync"
	GroupEyeBlink = "EyeBlink"
)

// Settings is the subset of a Cubism model3.json the viewer uses.
type Settings struct {
	Version        int            `json:"Version"`
	FileReferences FileReferences `json:"FileReferences"`
	Groups         []Group        `json:"Groups"`
	HitAreas       []HitArea      `json:"HitAreas"`

	// path of the settings file; references resolve against its directory.
	path string
}

// FileReferences lists the files a model is built from.
type FileReferences struct {
	Moc         string          `json:"Moc"`
	Textures    []string        `json:"Textures"`
	Physics     string          `json:"Physics"`
	Pose        string          `json:"Pose"`
	Expressions []ExpressionRef `json:"Expressions"`
}

// ExpressionRef names an expression definition file.
type ExpressionRef struct {
	Name string `json:"Name"`
	File string `json:"File"`
}

// Group is a named list of parameter or part ids.
type Group struct {
	Target string   `json:"Target"`
	Name   string   `json:"Name"`
	IDs    []string `json:"Ids"`
}

// HitArea maps a drawable to a named tap target.
type HitArea struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// ParseSettings parses model settings located at path.
func ParseSettings(data []byte, path string) (*Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(s.FileReferences.Textures) == 0 {
		return nil, fmt.Errorf("parse %s: %w", path, errors.New("no textures referenced"))
	}
	s.path = path
	return &s, nil
}

// Resolve returns the asset path of a file referenced by the settings.
func (s *Settings) Resolve(ref string) string {
	return assets.Join(s.path, ref)
}

// TexturePaths returns the resolved texture paths in order.
func (s *Settings) TexturePaths() []string {
	out := make([]string, len(s.FileReferences.Textures))
	for i, t := range s.FileReferences.Textures {
		out[i] = s.Resolve(t)
	}
	return out
}

// GroupIDs returns the ids of a parameter group, or nil.
func (s *Settings) GroupIDs(name string) []string {
	for _, g := range s.Groups {
		if g.Name == name && (g.Target == "" || g.Target == "Parameter") {
			return g.IDs
		}
	}
	return nil
}

// Expression returns the reference for an expression name.
func (s *Settings) Expression(name string) (ExpressionRef, bool) {
	for _, e := range s.FileReferences.Expressions {
		if e.Name == name {
			return e, true
		}
	}
	return ExpressionRef{}, false
}
