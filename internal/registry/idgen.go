package registry

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
)

// maxCollisionsBeforeGrowth is how many live-id collisions at the current
// depth are tolerated before the generator permanently widens its suffix,
// per §4.D.
const maxCollisionsBeforeGrowth = 3

// idGenerator produces instance-prefixed opaque source ids. It widens its
// suffix length for the remaining lifetime of the process once collisions
// at the current depth become frequent enough to suggest the keyspace is
// getting crowded.
type idGenerator struct {
	prefix   string
	maxDepth int

	mu         sync.Mutex
	depth      int
	collisions int
}

func newIDGenerator(prefix string, startDepth, maxDepth int) *idGenerator {
	if startDepth < len(prefix)+1 {
		startDepth = len(prefix) + 1
	}
	if maxDepth < startDepth {
		maxDepth = startDepth
	}
	return &idGenerator{prefix: prefix, depth: startDepth, maxDepth: maxDepth}
}

// next returns a candidate id of the generator's current total depth. The
// caller is responsible for checking it against the live registry and
// calling collision if it was already taken.
func (g *idGenerator) next() (string, error) {
	g.mu.Lock()
	depth := g.depth
	g.mu.Unlock()

	suffixLen := depth - len(g.prefix)
	if suffixLen < 1 {
		suffixLen = 1
	}
	raw := make([]byte, suffixLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	suffix := urlSafe(base64.StdEncoding.EncodeToString(raw))
	if len(suffix) > suffixLen {
		suffix = suffix[:suffixLen]
	}
	return g.prefix + suffix, nil
}

// collision records a generation attempt that collided with a live id,
// widening the suffix permanently once the threshold is crossed.
func (g *idGenerator) collision() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collisions++
	if g.collisions >= maxCollisionsBeforeGrowth && g.depth < g.maxDepth {
		g.depth++
		g.collisions = 0
	}
}

func urlSafe(s string) string {
	r := strings.NewReplacer("/", "_", "+", "-", "=", "")
	return r.Replace(s)
}
