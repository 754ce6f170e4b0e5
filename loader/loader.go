// Package loader validates ELF images and caches the parsed result keyed
// by content hash, so repeated execs of the same binary skip the parse.
package loader

import (
	"encoding/base64"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/blake2b"

	"github.com/cascadia-os/cascadia/log"
)

type LoaderCache struct {
	mu sync.RWMutex

	cache *lru.ARCCache
}

func NewLoaderCache() *LoaderCache {
	cache, err := lru.NewARC(100)
	if err != nil {
		panic(err)
	}

	return &LoaderCache{cache: cache}
}

func (l *LoaderCache) Lookup(key string) (*Image, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	val, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}

	return val.(*Image), true
}

func (l *LoaderCache) Set(key string, img *Image) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.Add(key, img)
}

type Loader struct {
	cache *LoaderCache
}

func NewLoader(cache *LoaderCache) *Loader {
	return &Loader{cache: cache}
}

// Load validates data as an executable image, consulting the cache first.
func (l *Loader) Load(data []byte) (*Image, error) {
	var cacheKey string

	if l.cache != nil {
		sum := blake2b.Sum256(data)
		cacheKey = base64.URLEncoding.EncodeToString(sum[:])

		if img, ok := l.cache.Lookup(cacheKey); ok {
			log.L.Trace("loader-cache-hit", "key", cacheKey)
			return img, nil
		}
	}

	img, err := parseELF(data)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		log.L.Trace("loader-cached", "key", cacheKey, "segments", len(img.Segments))
		l.cache.Set(cacheKey, img)
	}

	return img, nil
}
