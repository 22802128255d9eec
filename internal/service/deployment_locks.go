package service

import "sync"

// deploymentLocks allows one backup or restore per deployment at a time.
type deploymentLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newDeploymentLocks() *deploymentLocks {
	return &deploymentLocks{held: make(map[string]bool)}
}

func (l *deploymentLocks) TryLock(deployment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[deployment] {
		return false
	}
	l.held[deployment] = true
	return true
}

func (l *deploymentLocks) Unlock(deployment string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, deployment)
}
