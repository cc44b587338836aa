// Package drimetest runs an in-memory imitation of the Drime Cloud API
// for tests. It keeps folders and files in maps behind a mutex, speaks
// the same JSON the real endpoint does, and can inject transient
// failures and page-size limits.
package drimetest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/holgern/s3local/internal/drime"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type folderNode struct {
	id       int64
	name     string
	parentID int64
}

type fileNode struct {
	id        int64
	name      string
	folderID  int64
	data      []byte
	hash      string
	createdAt time.Time
	updatedAt time.Time
}

// Server is a fake Drime API over httptest. The workspace root is the
// implicit folder zero.
type Server struct {
	URL string

	apiKey      string
	workspaceID int64
	ts          *httptest.Server

	mu       sync.Mutex
	nextID   int64
	folders  map[int64]*folderNode
	files    map[int64]*fileNode
	pageSize int
	failures int
}

// New starts the fake API. The caller must Close it.
func New(apiKey string, workspaceID int64) *Server {
	s := &Server{
		apiKey:      apiKey,
		workspaceID: workspaceID,
		folders:     make(map[int64]*folderNode),
		files:       make(map[int64]*fileNode),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /workspaces/{ws}/folders", s.handleCreateFolder)
	mux.HandleFunc("GET /workspaces/{ws}/folders", s.handleFindFolders)
	mux.HandleFunc("POST /workspaces/{ws}/files", s.handleUpload)
	mux.HandleFunc("DELETE /folders/{id}", s.handleDeleteFolder)
	mux.HandleFunc("GET /folders/{id}/entries", s.handleEntries)
	mux.HandleFunc("GET /files/{id}/content", s.handleDownload)
	mux.HandleFunc("DELETE /files/{id}", s.handleDeleteFile)
	mux.HandleFunc("POST /files/{id}/copy", s.handleCopy)

	s.ts = httptest.NewServer(s.intercept(mux))
	s.URL = s.ts.URL
	return s
}

// Close shuts the fake API down.
func (s *Server) Close() {
	s.ts.Close()
}

// SetPageSize caps entry listings at n items per page. Zero disables
// pagination.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// FailNext makes the next n requests answer 503 before any handler
// runs.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// NumFiles reports how many files the backend currently holds.
func (s *Server) NumFiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

func (s *Server) intercept(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		failing := s.failures > 0
		if failing {
			s.failures--
		}
		s.mu.Unlock()
		if failing {
			writeErr(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable")
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	}
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil
}

func (s *Server) checkWorkspace(w http.ResponseWriter, r *http.Request) bool {
	ws, ok := pathID(r, "ws")
	if !ok || ws != s.workspaceID {
		writeErr(w, http.StatusNotFound, "not_found", "workspace not found")
		return false
	}
	return true
}

// folderExists treats zero as the always-present workspace root.
func (s *Server) folderExists(id int64) bool {
	if id == 0 {
		return true
	}
	_, ok := s.folders[id]
	return ok
}

func (s *Server) allocID() int64 {
	s.nextID++
	return s.nextID
}

func (s *Server) childFolders(parentID int64) []*folderNode {
	var out []*folderNode
	for _, f := range s.folders {
		if f.parentID == parentID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Server) childFiles(folderID int64) []*fileNode {
	var out []*fileNode
	for _, f := range s.files {
		if f.folderID == folderID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func folderJSON(f *folderNode) drime.Folder {
	return drime.Folder{ID: f.id, Name: f.name, ParentID: f.parentID}
}

func fileJSON(f *fileNode) drime.File {
	return drime.File{
		ID:        f.id,
		Name:      f.name,
		FolderID:  f.folderID,
		Size:      int64(len(f.data)),
		Hash:      f.hash,
		CreatedAt: f.createdAt,
		UpdatedAt: f.updatedAt,
	}
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	if !s.checkWorkspace(w, r) {
		return
	}

	var req struct {
		Name     string `json:"name"`
		ParentID int64  `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "invalid folder request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.folderExists(req.ParentID) {
		writeErr(w, http.StatusNotFound, "not_found", "parent folder not found")
		return
	}
	for _, f := range s.folders {
		if f.parentID == req.ParentID && f.name == req.Name {
			writeErr(w, http.StatusConflict, "conflict", "folder already exists")
			return
		}
	}

	folder := &folderNode{id: s.allocID(), name: req.Name, parentID: req.ParentID}
	s.folders[folder.id] = folder
	writeJSON(w, folderJSON(folder))
}

func (s *Server) handleFindFolders(w http.ResponseWriter, r *http.Request) {
	if !s.checkWorkspace(w, r) {
		return
	}

	parentID, _ := strconv.ParseInt(r.URL.Query().Get("parent_id"), 10, 64)
	name := r.URL.Query().Get("name")

	s.mu.Lock()
	defer s.mu.Unlock()

	folders := make([]drime.Folder, 0)
	for _, f := range s.childFolders(parentID) {
		if name == "" || f.name == name {
			folders = append(folders, folderJSON(f))
		}
	}
	writeJSON(w, map[string]any{"folders": folders})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if !ok || s.folders[id] == nil {
		writeErr(w, http.StatusNotFound, "not_found", "folder not found")
		return
	}
	s.removeFolderLocked(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeFolderLocked(id int64) {
	for _, sub := range s.childFolders(id) {
		s.removeFolderLocked(sub.id)
	}
	for _, f := range s.childFiles(id) {
		delete(s.files, f.id)
	}
	delete(s.folders, id)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if !ok || !s.folderExists(id) {
		writeErr(w, http.StatusNotFound, "not_found", "folder not found")
		return
	}

	if name := r.URL.Query().Get("name"); name != "" {
		entries := drime.Entries{}
		for _, f := range s.childFiles(id) {
			if f.name == name {
				entries.Files = append(entries.Files, fileJSON(f))
			}
		}
		writeJSON(w, entries)
		return
	}

	folders := s.childFolders(id)
	files := s.childFiles(id)
	total := len(folders) + len(files)

	start := 0
	if token := r.URL.Query().Get("page_token"); token != "" {
		offset, err := strconv.Atoi(token)
		if err != nil || offset < 0 || offset > total {
			writeErr(w, http.StatusBadRequest, "bad_request", "invalid page token")
			return
		}
		start = offset
	}
	end := total
	if s.pageSize > 0 && start+s.pageSize < total {
		end = start + s.pageSize
	}

	entries := drime.Entries{}
	for i := start; i < end; i++ {
		if i < len(folders) {
			entries.Folders = append(entries.Folders, folderJSON(folders[i]))
		} else {
			entries.Files = append(entries.Files, fileJSON(files[i-len(folders)]))
		}
	}
	if end < total {
		entries.NextPageToken = strconv.Itoa(end)
	}
	writeJSON(w, entries)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.checkWorkspace(w, r) {
		return
	}

	folderID, _ := strconv.ParseInt(r.URL.Query().Get("folder_id"), 10, 64)
	name := r.URL.Query().Get("name")
	if name == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "missing file name")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.folderExists(folderID) {
		writeErr(w, http.StatusNotFound, "not_found", "folder not found")
		return
	}
	for _, f := range s.childFiles(folderID) {
		if f.name == name {
			delete(s.files, f.id)
		}
	}

	file := s.storeFileLocked(folderID, name, data)
	writeJSON(w, fileJSON(file))
}

func (s *Server) storeFileLocked(folderID int64, name string, data []byte) *fileNode {
	sum := sha256.Sum256(data)
	now := time.Now().UTC()
	file := &fileNode{
		id:        s.allocID(),
		name:      name,
		folderID:  folderID,
		data:      data,
		hash:      hex.EncodeToString(sum[:]),
		createdAt: now,
		updatedAt: now,
	}
	s.files[file.id] = file
	return file
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")

	s.mu.Lock()
	file := s.files[id]
	var data []byte
	if file != nil {
		data = file.data
	}
	s.mu.Unlock()

	if !ok || file == nil {
		writeErr(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if !ok || s.files[id] == nil {
		writeErr(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	delete(s.files, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")

	var req struct {
		FolderID int64  `json:"folder_id"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "invalid copy request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.files[id]
	if !ok || src == nil {
		writeErr(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	if !s.folderExists(req.FolderID) {
		writeErr(w, http.StatusNotFound, "not_found", "folder not found")
		return
	}
	for _, f := range s.childFiles(req.FolderID) {
		if f.name == req.Name {
			delete(s.files, f.id)
		}
	}

	data := make([]byte, len(src.data))
	copy(data, src.data)
	file := s.storeFileLocked(req.FolderID, req.Name, data)
	writeJSON(w, fileJSON(file))
}
