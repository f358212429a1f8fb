package stack

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/require"
)

const (
	fakeRootID       = 1
	fakeSessionToken = "session-token"
)

type fakeNode struct {
	id     int64
	parent int64
	name   string
	dir    bool
	data   []byte
}

type fakeUploadSession struct {
	parent int64
	name   string
	size   int64
	data   []byte
}

type fakeShare struct {
	id          int64
	urlToken    string
	nodeID      int64
	permissions Permissions
	password    *string
	expiresAt   int64
}

// fakeStack is an in-memory STACK backend speaking the header protocol.
type fakeStack struct {
	t *testing.T

	mu       sync.Mutex
	nextID   int64
	nodes    map[int64]*fakeNode
	sessions map[string]*fakeUploadSession
	shares   map[int64]*fakeShare

	token           string
	tokenGeneration int
	twoFactor       bool
	failShareUpdate bool
	omitIDHeader    bool
	beforeList      func()
	requests        map[string]int

	server *httptest.Server
}

func newFakeStack(t *testing.T) *fakeStack {
	f := &fakeStack{
		t:        t,
		token:    fakeSessionToken,
		nextID:   100,
		nodes:    map[int64]*fakeNode{fakeRootID: {id: fakeRootID, name: "Files", dir: true}},
		sessions: map[string]*fakeUploadSession{},
		shares:   map[int64]*fakeShare{},
		requests: map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /authenticate", f.authenticate)
	mux.HandleFunc("GET /user", f.authorized(f.user))
	mux.HandleFunc("GET /node/path", f.authorized(f.nodeByPath))
	mux.HandleFunc("GET /node/{id}/nodes", f.authorized(f.listNodes))
	mux.HandleFunc("DELETE /node/{id}", f.authorized(f.deleteNode))
	mux.HandleFunc("POST /directories", f.authorized(f.createDirectory))
	mux.HandleFunc("POST /upload", f.authorized(f.upload))
	mux.HandleFunc("POST /upload/session", f.authorized(f.startSession))
	mux.HandleFunc("PUT /upload/session/{sid}", f.authorized(f.appendSession))
	mux.HandleFunc("POST /share", f.authorized(f.createShare))
	mux.HandleFunc("POST /share/authorize", f.authorizeShare)
	mux.HandleFunc("PUT /share/{id}", f.authorized(f.updateShare))
	mux.HandleFunc("DELETE /share/{id}", f.authorized(f.deleteShare))

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests[r.Method+" "+r.URL.Path]++
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.server.Close)

	return f
}

func (f *fakeStack) client(t *testing.T, opts Options) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 0
	httpClient.Logger = nil

	opts.BaseURL = f.server.URL
	opts.HTTPClient = httpClient
	if opts.DirectoryRetryWait == 0 {
		opts.DirectoryRetryWait = 1
	}

	c, err := NewClient(opts, log.NewLogger())
	require.NoError(t, err)
	if opts.Username == "" && opts.ShareToken == "" {
		c.SetSessionToken(fakeSessionToken)
	}
	return c
}

// expireSession invalidates the current session token; the next authentication issues a new one.
func (f *fakeStack) expireSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenGeneration++
	f.token = fmt.Sprintf("%s-%d", fakeSessionToken, f.tokenGeneration)
}

func (f *fakeStack) currentToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeStack) requestCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[key]
}

func (f *fakeStack) requestCountWithPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for key, n := range f.requests {
		if strings.HasPrefix(key, prefix) {
			count += n
		}
	}
	return count
}

func (f *fakeStack) shareCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shares)
}

func (f *fakeStack) addNode(parent int64, name string, dir bool, data []byte) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addNodeLocked(parent, name, dir, data)
}

func (f *fakeStack) addNodeLocked(parent int64, name string, dir bool, data []byte) int64 {
	f.nextID++
	f.nodes[f.nextID] = &fakeNode{id: f.nextID, parent: parent, name: name, dir: dir, data: data}
	return f.nextID
}

func (f *fakeStack) childLocked(parent int64, name string) *fakeNode {
	for _, n := range f.nodes {
		if n.parent == parent && n.name == name && n.id != fakeRootID {
			return n
		}
	}
	return nil
}

func (f *fakeStack) node(id int64) *fakeNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[id]
}

func (f *fakeStack) share(id int64) *fakeShare {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shares[id]
}

func (f *fakeStack) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := r.Header.Get(headerSessionToken); token != "" && token == f.currentToken() {
			next(w, r)
			return
		}
		if token := r.Header.Get(headerShareToken); token != "" {
			f.mu.Lock()
			ok := false
			for _, s := range f.shares {
				if "bearer-"+s.urlToken == token {
					ok = true
				}
			}
			f.mu.Unlock()
			if ok {
				next(w, r)
				return
			}
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func (f *fakeStack) authenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Username != "furvino" || req.Password != "secret" {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if !f.twoFactor {
		w.Header().Set(headerSessionToken, f.currentToken())
	}
	writeFakeJSON(w, http.StatusOK, authenticateResponse{IsTwoFactorEnabled: f.twoFactor})
}

func (f *fakeStack) user(w http.ResponseWriter, r *http.Request) {
	writeFakeJSON(w, http.StatusOK, userResponse{FilesNodeID: fakeRootID})
}

func (f *fakeStack) listNodes(w http.ResponseWriter, r *http.Request) {
	if f.beforeList != nil {
		f.beforeList()
	}

	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.nodes[id]; !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var children []Node
	for childID := int64(0); childID <= f.nextID; childID++ {
		n, ok := f.nodes[childID]
		if ok && n.parent == id && n.id != fakeRootID {
			children = append(children, Node{ID: n.id, Name: n.name, Dir: n.dir})
		}
	}

	if offset > len(children) {
		offset = len(children)
	}
	end := offset + limit
	if limit <= 0 || end > len(children) {
		end = len(children)
	}
	writeFakeJSON(w, http.StatusOK, listNodesResponse{Nodes: children[offset:end]})
}

func (f *fakeStack) nodeByPath(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.nodes[fakeRootID]
	for _, part := range strings.Split(strings.Trim(r.URL.Query().Get("path"), "/"), "/") {
		if part == "" {
			continue
		}
		current = f.childLocked(current.id, part)
		if current == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
	}
	writeFakeJSON(w, http.StatusOK, Node{ID: current.id, Name: current.name, Dir: current.dir})
}

func (f *fakeStack) deleteNode(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	delete(f.nodes, id)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeStack) createDirectory(w http.ResponseWriter, r *http.Request) {
	parent, _ := strconv.ParseInt(r.Header.Get(headerParentID), 10, 64)
	var req createDirectoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.childLocked(parent, req.Name) != nil {
		http.Error(w, "already exists", http.StatusConflict)
		return
	}
	id := f.addNodeLocked(parent, req.Name, true, nil)
	if !f.omitIDHeader {
		w.Header().Set(headerID, strconv.FormatInt(id, 10))
	}
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeStack) upload(w http.ResponseWriter, r *http.Request) {
	parent, _ := strconv.ParseInt(r.Header.Get(headerParentID), 10, 64)
	name, err := base64.StdEncoding.DecodeString(r.Header.Get(headerFilename))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if size := r.Header.Get(headerFileByteSize); size != strconv.Itoa(len(data)) {
		http.Error(w, fmt.Sprintf("size mismatch: %s != %d", size, len(data)), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing := f.childLocked(parent, string(name)); existing != nil {
		if r.Header.Get(headerOverwrite) != "true" {
			http.Error(w, "already exists", http.StatusConflict)
			return
		}
		existing.data = data
		w.Header().Set(headerID, strconv.FormatInt(existing.id, 10))
		w.WriteHeader(http.StatusCreated)
		return
	}
	id := f.addNodeLocked(parent, string(name), false, data)
	w.Header().Set(headerID, strconv.FormatInt(id, 10))
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeStack) startSession(w http.ResponseWriter, r *http.Request) {
	parent, _ := strconv.ParseInt(r.Header.Get(headerParentID), 10, 64)
	name, _ := base64.StdEncoding.DecodeString(r.Header.Get(headerFilename))
	size, _ := strconv.ParseInt(r.Header.Get(headerFileByteSize), 10, 64)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sid := fmt.Sprintf("sess-%d", f.nextID)
	f.sessions[sid] = &fakeUploadSession{parent: parent, name: string(name), size: size}
	if size == 0 {
		f.finishSessionLocked(sid)
	}
	w.Header().Set(headerID, sid)
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeStack) appendSession(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sid]
	if !ok {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	if r.Header.Get(headerOffset) != strconv.Itoa(len(s.data)) {
		http.Error(w, "bad offset", http.StatusBadRequest)
		return
	}
	s.data = append(s.data, data...)
	if int64(len(s.data)) == s.size {
		f.finishSessionLocked(sid)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeStack) finishSessionLocked(sid string) {
	s := f.sessions[sid]
	delete(f.sessions, sid)
	if existing := f.childLocked(s.parent, s.name); existing != nil {
		existing.data = s.data
		return
	}
	f.addNodeLocked(s.parent, s.name, false, s.data)
}

func (f *fakeStack) createShare(w http.ResponseWriter, r *http.Request) {
	var req createShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[req.NodeID]; !ok {
		http.Error(w, "no node", http.StatusNotFound)
		return
	}
	f.nextID++
	defaultPassword := "generated"
	s := &fakeShare{
		id:          f.nextID,
		urlToken:    fmt.Sprintf("tok%d", f.nextID),
		nodeID:      req.NodeID,
		permissions: req.Permissions,
		password:    &defaultPassword,
		expiresAt:   req.ExpiresAt,
	}
	f.shares[s.id] = s
	w.Header().Set(headerShareID, strconv.FormatInt(s.id, 10))
	w.Header().Set(headerURLToken, s.urlToken)
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeStack) updateShare(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	var req updateShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.failShareUpdate {
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shares[id]
	if !ok {
		http.Error(w, "no share", http.StatusNotFound)
		return
	}
	s.permissions = req.Permissions
	if req.Password != nil && *req.Password == "" {
		s.password = nil
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeStack) authorizeShare(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(headerURLToken)

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.shares {
		if s.urlToken == token {
			w.Header().Set(headerShareToken, "bearer-"+token)
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	http.Error(w, "no share", http.StatusNotFound)
}

func (f *fakeStack) deleteShare(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.shares[id]; !ok {
		http.Error(w, "no share", http.StatusNotFound)
		return
	}
	delete(f.shares, id)
	w.WriteHeader(http.StatusNoContent)
}

func writeFakeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
