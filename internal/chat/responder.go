package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/logger"
)

// Asker is the inference boundary.
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// Speaker plays text as scripted lip-sync.
type Speaker interface {
	Speak(text string, onDone func()) (string, error)
	Cancel()
}

// Face shows and hides expressions.
type Face interface {
	SetExpression(name string) error
	ClearExpression(name string) error
}

// Responder runs one conversation turn: the model looks confused when the
// request fails and otherwise speaks the reply with a neutral face.
type Responder struct {
	asker    Asker
	speaker  Speaker
	face     Face
	confused string
	neutral  string
	log      *zap.Logger
}

// NewResponder creates a responder. Empty expression names are skipped.
func NewResponder(asker Asker, speaker Speaker, face Face, confused, neutral string) *Responder {
	return &Responder{
		asker:    asker,
		speaker:  speaker,
		face:     face,
		confused: confused,
		neutral:  neutral,
		log:      logger.Named("chat"),
	}
}

// Send asks for a reply to prompt and speaks it. It returns the reply and
// the utterance id.
func (r *Responder) Send(ctx context.Context, prompt string) (content, utterance string, err error) {
	r.speaker.Cancel()

	content, err = r.asker.Ask(ctx, prompt)
	if err != nil {
		r.hide(r.neutral)
		r.show(r.confused)
		return "", "", err
	}

	r.hide(r.confused)
	r.show(r.neutral)

	utterance, err = r.speaker.Speak(content, nil)
	if err != nil {
		return content, "", err
	}
	return content, utterance, nil
}

func (r *Responder) show(name string) {
	if name == "" {
		return
	}
	if err := r.face.SetExpression(name); err != nil {
		r.log.Debug("set expression", zap.String("expression", name), zap.Error(err))
	}
}

func (r *Responder) hide(name string) {
	if name == "" {
		return
	}
	if err := r.face.ClearExpression(name); err != nil {
		r.log.Debug("clear expression", zap.String("expression", name), zap.Error(err))
	}
}
