package seeder

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polyfetch/polyfetch/internal/compressor"
	"github.com/polyfetch/polyfetch/internal/descriptor"
	"github.com/polyfetch/polyfetch/internal/transport"
)

// BasePath is the API base path for the chunk-serving endpoints.
const BasePath = "/api/v1"

// entry is one seeded file: its descriptor plus the local source path
// chunks are read from.
type entry struct {
	fd   *descriptor.FileDescriptor
	path string
}

// Catalog maps file hashes to locally seeded files.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]entry)}
}

// Add registers an already-built descriptor with its backing file.
func (c *Catalog) Add(fd *descriptor.FileDescriptor, path string) error {
	if err := fd.Validate(); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot seed %s: %v", path, err)
	}
	if info.Size() != fd.FileSize {
		return fmt.Errorf("file %s is %d bytes, descriptor says %d", path, info.Size(), fd.FileSize)
	}
	c.mu.Lock()
	c.entries[fd.FileHash] = entry{fd: fd, path: path}
	c.mu.Unlock()
	return nil
}

// Seed builds a descriptor for a local file and registers it, advertising
// this node as an HTTP source.
func (c *Catalog) Seed(path, nodeID, advertiseAddr string) (*descriptor.FileDescriptor, error) {
	fd, err := descriptor.BuildFromFile(path)
	if err != nil {
		return nil, err
	}
	fd.Peers = []descriptor.PeerRef{{
		PeerID:   nodeID,
		Protocol: transport.ProtocolHTTP,
		Address:  advertiseAddr,
	}}
	if err := c.Add(fd, path); err != nil {
		return nil, err
	}
	return fd, nil
}

// Get looks up a seeded file by hash.
func (c *Catalog) Get(fileHash string) (*descriptor.FileDescriptor, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, exists := c.entries[fileHash]
	return e.fd, e.path, exists
}

// Hashes lists every seeded file hash.
func (c *Catalog) Hashes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hashes := make([]string, 0, len(c.entries))
	for h := range c.entries {
		hashes = append(hashes, h)
	}
	return hashes
}

// Server serves chunks and descriptors for seeded files over HTTP. It is
// the counterpart of the HTTP transport adapter.
type Server struct {
	catalog  *Catalog
	port     int
	compress bool
}

// NewServer creates a seeder server. When compress is set, chunk payloads
// go out lz4-framed with the wire encoding header.
func NewServer(catalog *Catalog, port int, compress bool) *Server {
	return &Server{catalog: catalog, port: port, compress: compress}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(BasePath+"/ping", s.handlePing)
	mux.HandleFunc(BasePath+"/chunk/", s.handleChunk)
	mux.HandleFunc(BasePath+"/descriptor/", s.handleDescriptor)
	return mux
}

// Start starts the HTTP server and blocks.
func (s *Server) Start() error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	logrus.Infof("🌱 Seeder server starting on port %d", s.port)
	return server.ListenAndServe()
}

// handlePing handles GET /api/v1/ping
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChunk handles GET /api/v1/chunk/{file_hash}/{chunk_index}
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, BasePath+"/chunk/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		writeErrorResponse(w, http.StatusNotFound, "Invalid chunk route")
		return
	}
	fileHash := parts[0]
	chunkIndex, err := strconv.Atoi(parts[1])
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid chunk index")
		return
	}

	fd, srcPath, exists := s.catalog.Get(fileHash)
	if !exists {
		writeErrorResponse(w, http.StatusNotFound, "File not seeded")
		return
	}
	if chunkIndex < 0 || chunkIndex >= fd.NumChunks {
		writeErrorResponse(w, http.StatusBadRequest, "Chunk index out of range")
		return
	}
	offset, length := fd.ChunkRange(chunkIndex)

	payload, err := readChunk(srcPath, offset, length)
	if err != nil {
		logrus.Errorf("❌ Failed to read chunk %d of %s: %v", chunkIndex, fileHash, err)
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to read chunk")
		return
	}

	if s.compress {
		compressed, err := compressor.Compress(payload)
		if err == nil && len(compressed) < len(payload) {
			w.Header().Set(transport.WireEncodingHeader, "lz4")
			payload = compressed
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// handleDescriptor handles GET /api/v1/descriptor/{file_hash}
func (s *Server) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	fileHash := strings.TrimPrefix(r.URL.Path, BasePath+"/descriptor/")
	if fileHash == "" || strings.Contains(fileHash, "/") {
		writeErrorResponse(w, http.StatusNotFound, "Invalid descriptor route")
		return
	}

	fd, _, exists := s.catalog.Get(fileHash)
	if !exists {
		writeErrorResponse(w, http.StatusNotFound, "File not seeded")
		return
	}
	writeJSONResponse(w, http.StatusOK, fd)
}

func readChunk(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// errorResponse is the JSON body for failed requests.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	writeJSONResponse(w, statusCode, errorResponse{
		Error:   http.StatusText(statusCode),
		Message: errorMsg,
		Code:    statusCode,
	})
}
