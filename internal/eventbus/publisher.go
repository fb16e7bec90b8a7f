package eventbus

import "github.com/flagforge/evalservice/internal/domain"

// Publisher is the narrow interface consumers of the change bus depend
// on — satisfied by both Bus and KafkaBus, so callers (DefinitionStore)
// don't need to know which backing they got.
type Publisher interface {
	Publish(domain.FlagChanged)
}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = (*KafkaBus)(nil)
)
