package pairlist

import "sync"

// Document is a parsed pairlist file.
type Document struct {
	Path  string
	Pairs []string
}

// Cache memoizes resolutions for the duration of a run. It is owned by the
// caller and shared by every Resolver call of that run.
//
// Entries are write-once: a second Put for the same key keeps the first value,
// so two goroutines racing on the same month only cost an extra file read.
type Cache struct {
	mu      sync.RWMutex
	docs    map[string]Document // resolved path -> document
	aliases map[string]alias    // first target path -> resolved path
}

type alias struct {
	path  string
	steps int
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		docs:    make(map[string]Document),
		aliases: make(map[string]alias),
	}
}

// Lookup returns the document a target path resolved to and how many months
// back it was found, following the alias recorded when the target was missing.
func (c *Cache) Lookup(target string) (Document, int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path, steps := target, 0
	if a, ok := c.aliases[target]; ok {
		path, steps = a.path, a.steps
	}
	doc, ok := c.docs[path]
	return doc, steps, ok
}

// Put stores doc and, when steps > 0, records target as an alias of doc.Path.
func (c *Cache) Put(target string, doc Document, steps int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.docs[doc.Path]; !exists {
		c.docs[doc.Path] = doc
	}
	if steps > 0 {
		if _, exists := c.aliases[target]; !exists {
			c.aliases[target] = alias{path: doc.Path, steps: steps}
		}
	}
}

// Len returns the number of distinct files cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}
