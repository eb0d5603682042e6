package mockapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/realtime"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
	maxUploadSize   = 10 << 20
)

// --- Session ---

type sessionData struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", "BAD_REQUEST", nil)
		return
	}
	var details []apierr.FieldError
	if req.Email == "" {
		details = append(details, apierr.FieldError{Field: "email", Message: "Email is required"})
	}
	if req.Password == "" {
		details = append(details, apierr.FieldError{Field: "password", Message: "Password is required"})
	}
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", details)
		return
	}

	u, ok := s.users.Authenticate(req.Email, req.Password)
	if !ok {
		s.log.Info("login failed", "email", req.Email)
		writeError(w, http.StatusUnauthorized, "Invalid credentials", "INVALID_CREDENTIALS", nil)
		return
	}
	access, refresh, err := s.users.Issue(u)
	if err != nil {
		s.log.Error("issue tokens", "err", err)
		writeError(w, http.StatusInternalServerError, "Could not issue token", "", nil)
		return
	}
	s.log.Info("login", "user", u.ID)
	writeOK(w, http.StatusOK, sessionData{Token: access, RefreshToken: refresh, User: u}, "Login successful")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "Refresh token is required", "BAD_REQUEST",
			[]apierr.FieldError{{Field: "refreshToken", Message: "Refresh token is required"}})
		return
	}
	access, next, err := s.users.Rotate(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token", "INVALID_REFRESH_TOKEN", nil)
		return
	}
	writeOK(w, http.StatusOK, sessionData{Token: access, RefreshToken: next}, "")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, u *User) {
	tok, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.users.Revoke(tok)
	s.log.Info("logout", "user", u.ID)
	writeOK(w, http.StatusOK, nil, "Logged out")
}

func (s *Server) handleProfile(w http.ResponseWriter, _ *http.Request, u *User) {
	writeOK(w, http.StatusOK, u, "")
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request, u *User) {
	s.mu.RLock()
	list := append([]realtime.Notification{}, s.notifications[u.ID]...)
	s.mu.RUnlock()
	writeOK(w, http.StatusOK, list, "")
}

// --- Collections ---

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("collection")
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	limit := min(queryInt(q.Get("limit"), defaultPageSize), maxPageSize)
	search := strings.ToLower(q.Get("search"))

	s.mu.RLock()
	items, ok := s.collections[name]
	var matched []map[string]any
	for _, it := range items {
		if matches(it, q, search) {
			matched = append(matched, it)
		}
	}
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown resource: "+name, "NOT_FOUND", nil)
		return
	}

	total := len(matched)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	pageItems := matched[start:end]
	if pageItems == nil {
		pageItems = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    pageItems,
		Pagination: &pagination{
			Total: total,
			Page:  page,
			Pages: (total + limit - 1) / limit,
			Limit: limit,
		},
	})
}

// matches applies equality filters from the query, plus a substring search
// over string fields.
func matches(item map[string]any, q map[string][]string, search string) bool {
	for k, vs := range q {
		switch k {
		case "page", "limit", "search":
			continue
		}
		v, ok := item[k]
		if !ok || fmt.Sprint(v) != vs[0] {
			return false
		}
	}
	if search == "" {
		return true
	}
	for _, v := range item {
		if str, ok := v.(string); ok && strings.Contains(strings.ToLower(str), search) {
			return true
		}
	}
	return false
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name, id := r.PathValue("collection"), r.PathValue("id")
	s.mu.RLock()
	item, _ := s.find(name, id)
	s.mu.RUnlock()
	if item == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", name, id), "NOT_FOUND", nil)
		return
	}
	writeOK(w, http.StatusOK, item, "")
}

// find returns the item and its index. Callers hold s.mu.
func (s *Server) find(name, id string) (map[string]any, int) {
	for i, it := range s.collections[name] {
		if fmt.Sprint(it["id"]) == id {
			return it, i
		}
	}
	return nil, -1
}

func decodeItem(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", "BAD_REQUEST", nil)
		return nil, false
	}
	var details []apierr.FieldError
	if len(body) == 0 {
		details = append(details, apierr.FieldError{Field: "body", Message: "At least one field is required"})
	}
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if str, ok := body[k].(string); ok && strings.TrimSpace(str) == "" {
			details = append(details, apierr.FieldError{Field: k, Message: k + " must not be empty", Value: str})
		}
	}
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", details)
		return nil, false
	}
	delete(body, "id")
	return body, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, u *User) {
	name := r.PathValue("collection")
	body, ok := decodeItem(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	if _, exists := s.collections[name]; !exists {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "Unknown resource: "+name, "NOT_FOUND", nil)
		return
	}
	id := s.nextID[name]
	s.nextID[name] = id + 1
	body["id"] = id
	s.collections[name] = append(s.collections[name], body)
	s.mu.Unlock()

	s.PublishActivity(realtime.Activity{Action: "create", Entity: name, EntityID: id, UserID: u.ID})
	writeOK(w, http.StatusCreated, body, "Created")
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, u *User) {
	name, id := r.PathValue("collection"), r.PathValue("id")
	body, ok := decodeItem(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	item, idx := s.find(name, id)
	if item == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", name, id), "NOT_FOUND", nil)
		return
	}
	next := make(map[string]any, len(item)+len(body))
	if r.Method == http.MethodPatch {
		for k, v := range item {
			next[k] = v
		}
	}
	for k, v := range body {
		next[k] = v
	}
	next["id"] = item["id"]
	s.collections[name][idx] = next
	s.mu.Unlock()

	numID, _ := strconv.Atoi(id)
	s.PublishActivity(realtime.Activity{Action: "update", Entity: name, EntityID: numID, UserID: u.ID})
	writeOK(w, http.StatusOK, next, "Updated")
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, u *User) {
	name, id := r.PathValue("collection"), r.PathValue("id")

	s.mu.Lock()
	item, idx := s.find(name, id)
	if item != nil {
		items := s.collections[name]
		s.collections[name] = append(items[:idx:idx], items[idx+1:]...)
	}
	s.mu.Unlock()
	if item == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", name, id), "NOT_FOUND", nil)
		return
	}

	numID, _ := strconv.Atoi(id)
	s.PublishActivity(realtime.Activity{Action: "delete", Entity: name, EntityID: numID, UserID: u.ID})
	writeOK(w, http.StatusOK, nil, "Deleted")
}

func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// --- Files ---

type uploadResult struct {
	ID          string            `json:"id"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"contentType"`
	Size        int               `json:"size"`
	URL         string            `json:"url"`
	Fields      map[string]string `json:"fields,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, u *User) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body", "BAD_REQUEST", nil)
		return
	}
	var field string
	for name := range r.MultipartForm.File {
		field = name
		break
	}
	if field == "" {
		writeError(w, http.StatusBadRequest, "No file in request", "VALIDATION_ERROR",
			[]apierr.FieldError{{Field: "file", Message: "A file is required"}})
		return
	}
	file, hdr, err := r.FormFile(field)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST", nil)
		return
	}

	ct := hdr.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.uploads[id] = upload{Name: hdr.Filename, ContentType: ct, Data: data}
	s.mu.Unlock()

	fields := make(map[string]string)
	for k, vs := range r.MultipartForm.Value {
		fields[k] = vs[0]
	}
	s.log.Info("upload", "user", u.ID, "file", hdr.Filename, "size", len(data))
	writeOK(w, http.StatusCreated, uploadResult{
		ID:          id,
		Filename:    hdr.Filename,
		ContentType: ct,
		Size:        len(data),
		URL:         "/api/download/" + id,
		Fields:      fields,
	}, "Uploaded")
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.RLock()
	up, ok := s.uploads[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "File not found", "NOT_FOUND", nil)
		return
	}
	w.Header().Set("Content-Type", up.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": up.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(up.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(up.Data)
}

// --- Realtime ---

// Notify stores a notification for userID and pushes it to the user's
// connections. ID and CreatedAt are assigned when zero.
func (s *Server) Notify(userID int, n realtime.Notification) realtime.Notification {
	s.mu.Lock()
	if n.ID == 0 {
		s.nextNotif++
		n.ID = s.nextNotif
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Type == "" {
		n.Type = "info"
	}
	s.notifications[userID] = append(s.notifications[userID], n)
	s.mu.Unlock()

	s.hub.SendToUser(userID, realtime.NotificationNew.Name, n)
	return n
}

// PublishActivity broadcasts an activity entry to every connection.
func (s *Server) PublishActivity(a realtime.Activity) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	s.hub.Broadcast(realtime.ActivityFeed.Name, a)
}

func (s *Server) markRead(userID, id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.notifications[userID]
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
			return true
		}
	}
	return false
}
