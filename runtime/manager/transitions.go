package manager

import (
	"context"

	"goa.design/clue/log"

	"github.com/teave/teave/runtime/flow"
)

// transitionsLogger mirrors every completed transition to the log, one line
// per transition: "<id>: <source> -(<trigger>)-> <target>".
type transitionsLogger struct{}

func (transitionsLogger) AfterTransition(ctx context.Context, tr flow.Transition) error {
	log.Printf(ctx, "%s: %s -(%s)-> %s", tr.Teavent.ID, tr.Source, tr.Trigger, tr.Target)
	return nil
}
