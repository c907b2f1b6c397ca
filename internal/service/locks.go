package service

import (
	"sync"

	"github.com/propintel/backend/internal/utils"
)

const lockStripes = 64

// alertLocks serializes routing decisions per alert id. Striping keeps
// the footprint fixed; two alerts sharing a stripe merely queue behind
// each other.
type alertLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *alertLocks) lock(alertID string) func() {
	m := &l.stripes[utils.HashStringToUint64(alertID)%lockStripes]
	m.Lock()
	return m.Unlock
}
