package platform

import (
	"sort"
	"strings"
	"sync"
)

// Permissions is a grant set configured by the host. Desktop hosts have no
// runtime prompt, so grants come from configuration and the host UI.
type Permissions struct {
	mu      sync.RWMutex
	granted map[string]bool
}

func NewPermissions(granted []string) *Permissions {
	p := &Permissions{granted: map[string]bool{}}
	for _, name := range granted {
		name = normalizePermission(name)
		if name != "" {
			p.granted[name] = true
		}
	}
	return p
}

func (p *Permissions) Granted(permission string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.granted[normalizePermission(permission)]
}

// Set grants or revokes a permission at runtime.
func (p *Permissions) Set(permission string, granted bool) {
	name := normalizePermission(permission)
	if name == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if granted {
		p.granted[name] = true
		return
	}
	delete(p.granted, name)
}

// List returns the granted permissions in sorted order.
func (p *Permissions) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.granted))
	for name := range p.granted {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizePermission(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
