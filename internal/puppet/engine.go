package puppet

import "github.com/Faultbox/l2dview/internal/engine/texture"

// Engine is the puppet deformation and drawing backend of one model. The
// instance only talks to it on the render thread.
type Engine interface {
	Parameters() []ParameterDef
	Parts() []string
	// Update receives the resolved parameter and part-opacity vectors.
	Update(params, opacities []float32) error
	// Draw renders the model with the bound textures, in settings order.
	Draw(textures []texture.ID) error
	Release()
}

// EngineFactory builds an engine from the model core data, which is nil
// when the settings reference none.
type EngineFactory func(core []byte, s *Settings) (Engine, error)
