package core

import (
	"sort"
	"strings"
	"sync"
)

// Detector holds the trigger word list and answers whether a message
// text contains any of them. Matching is a case-insensitive substring
// test; the list is hot-reloadable from config and editable at runtime.
type Detector struct {
	mu    sync.RWMutex
	words map[string]bool
}

func NewDetector(words []string) *Detector {
	d := &Detector{words: make(map[string]bool)}
	d.SetWords(words)
	return d
}

// SetWords replaces the whole list (config reload path).
func (d *Detector) SetWords(words []string) {
	next := make(map[string]bool, len(words))
	for _, w := range words {
		if w = normalizeWord(w); w != "" {
			next[w] = true
		}
	}
	d.mu.Lock()
	d.words = next
	d.mu.Unlock()
}

// Add registers a word. Reports whether it was new.
func (d *Detector) Add(word string) bool {
	word = normalizeWord(word)
	if word == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.words[word] {
		return false
	}
	d.words[word] = true
	return true
}

// Remove drops a word. Reports whether it was present.
func (d *Detector) Remove(word string) bool {
	word = normalizeWord(word)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.words[word] {
		return false
	}
	delete(d.words, word)
	return true
}

// Words returns the current list, sorted.
func (d *Detector) Words() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.words))
	for w := range d.words {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Match reports the first trigger word contained in text, if any.
func (d *Detector) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for w := range d.words {
		if strings.Contains(lower, w) {
			return w, true
		}
	}
	return "", false
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}
