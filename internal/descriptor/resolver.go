package descriptor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/polyfetch/polyfetch/internal/dlerror"
)

// Resolver looks up a file descriptor from the discovery collaborator.
type Resolver interface {
	Resolve(ctx context.Context, fileHash string, timeout time.Duration) (*FileDescriptor, error)
}

// StaticResolver serves descriptors from an in-memory registry. Used by
// seeding nodes and by tests.
type StaticResolver struct {
	descriptors map[string]*FileDescriptor
	mu          sync.RWMutex
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		descriptors: make(map[string]*FileDescriptor),
	}
}

// Register makes a descriptor resolvable by its file hash.
func (r *StaticResolver) Register(fd *FileDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[fd.FileHash] = fd
}

func (r *StaticResolver) Resolve(ctx context.Context, fileHash string, timeout time.Duration) (*FileDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fd, exists := r.descriptors[fileHash]
	if !exists {
		return nil, dlerror.Newf(dlerror.KindNotFound, "no descriptor for %s", fileHash)
	}
	return fd, nil
}

// HTTPResolver queries a registry node for descriptors.
type HTTPResolver struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, fileHash string, timeout time.Duration) (*FileDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/descriptor/%s", r.baseURL, fileHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build descriptor request: %v", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, dlerror.Newf(dlerror.KindNotFound, "descriptor lookup failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, dlerror.Newf(dlerror.KindNotFound, "no descriptor for %s", fileHash)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("descriptor lookup failed: status %d", resp.StatusCode)
	}

	var fd FileDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&fd); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %v", err)
	}
	if err := fd.Validate(); err != nil {
		return nil, fmt.Errorf("resolved descriptor invalid: %v", err)
	}
	return &fd, nil
}
