// Package credentials manages the ordered set of API read keys and the per-key
// request budget.
package credentials

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrCredentialsExhausted is returned when the last key has used its budget
var ErrCredentialsExhausted = errors.New("all credentials exhausted")

// ErrNoCredentials is returned by NewPool when no usable key was supplied
var ErrNoCredentials = errors.New("no credentials configured")

// Credential is one API key and its position in the pool
type Credential struct {
	Index int
	Key   string
}

// String masks the key so credentials can be logged
func (c Credential) String() string {
	return fmt.Sprintf("key#%d(%s)", c.Index, Mask(c.Key))
}

// Mask hides a secret behind a fixed-width prefix, keeping its last four
// characters when it is long enough that they do not give it away
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// Pool hands out keys in order. Once the active key has served its budget the
// pool moves to the next one; running past the last key is terminal.
type Pool struct {
	mu        sync.Mutex
	keys      []string
	current   int
	used      int
	exhausted bool
	onRotate  []func(from, to Credential)
}

// NewPool creates a pool over keys in the given order
func NewPool(keys []string) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	for i, k := range keys {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("credential %d is blank: %w", i, ErrNoCredentials)
		}
	}

	return &Pool{keys: append([]string(nil), keys...)}, nil
}

// OnRotate registers a hook invoked after every successful rotation. Hooks run
// with the pool lock held and must not call back into the pool.
func (p *Pool) OnRotate(fn func(from, to Credential)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRotate = append(p.onRotate, fn)
}

// Current returns the active credential
func (p *Pool) Current() Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.credential(p.current)
}

// RecordRequest counts one request against the active credential
func (p *Pool) RecordRequest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used++
}

// Used returns the number of requests recorded on the active credential
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Remaining returns the number of keys after the active one
func (p *Pool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys) - p.current - 1
}

// RotateIfExhausted advances to the next key when the active one has used at
// least budget requests. It returns ErrCredentialsExhausted when there is no
// next key, and keeps returning it afterwards.
func (p *Pool) RotateIfExhausted(budget int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotateLocked(budget)
}

// Reserve claims one request slot. If the active key is already at budget it
// rotates first, then records the request and returns the key to use. The
// check and the increment happen under one lock so concurrent callers never
// push a key past its budget.
func (p *Pool) Reserve(budget int) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.rotateLocked(budget); err != nil {
		return Credential{}, err
	}
	p.used++
	return p.credential(p.current), nil
}

func (p *Pool) rotateLocked(budget int) (bool, error) {
	if p.exhausted {
		return false, ErrCredentialsExhausted
	}
	if p.used < budget {
		return false, nil
	}
	if p.current+1 >= len(p.keys) {
		p.exhausted = true
		return false, fmt.Errorf("key %d used %d of %d requests: %w", p.current, p.used, budget, ErrCredentialsExhausted)
	}

	from := p.credential(p.current)
	p.current++
	p.used = 0
	to := p.credential(p.current)
	for _, fn := range p.onRotate {
		fn(from, to)
	}
	return true, nil
}

func (p *Pool) credential(i int) Credential {
	return Credential{Index: i, Key: p.keys[i]}
}
