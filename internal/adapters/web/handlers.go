package web

import (
	"context"
	"net/http"
	"time"

	"clofri/internal/domain/model"
	"clofri/internal/infra/lifecycle"

	"github.com/go-chi/chi/v5"
)

const (
	shortTimeOut  = 5 * time.Second
	mediumTimeOut = 30 * time.Second
)

// handleHealth — 200, если все сервисы запущены, иначе 503 со списком.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()

	st, err := s.executor.Status(ctx)
	if err != nil {
		writeFailure(w, "health", err)
		return
	}
	status := http.StatusOK
	for _, svc := range st.Services {
		if svc.Status != lifecycle.StatusRunning {
			status = http.StatusServiceUnavailable
			break
		}
	}
	if !st.Subscribed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"subscribed": st.Subscribed,
		"services":   st.Services,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, nil); err != nil {
		writeFailure(w, "dashboard", err)
	}
}

// handleLogout закрывает сессию браузера вместе с её потоками событий;
// новый вход только по новой ссылке.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := sessionFrom(r.Context()); sess != nil {
		s.sessions.logout(sess.id)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	res, err := s.executor.Status(ctx)
	if err != nil {
		writeFailure(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	res, err := s.executor.Users(ctx)
	if err != nil {
		writeFailure(w, "users", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLists(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	res, err := s.executor.Lists(ctx)
	if err != nil {
		writeFailure(w, "lists", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()
	if err := s.executor.Refresh(ctx); err != nil {
		writeFailure(w, "refresh", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	res, err := s.executor.Whoami(ctx)
	if err != nil {
		writeFailure(w, "whoami", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleProfile меняет имя или аватар; отсутствующее поле не меняется,
// пустой avatar_url убирает аватар.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	var req model.ProfileUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DisplayName == nil && req.AvatarURL == nil {
		writeError(w, http.StatusBadRequest, "display_name or avatar_url is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()
	res, err := s.executor.UpdateProfile(ctx, req)
	if err != nil {
		writeFailure(w, "update profile", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	res, err := s.executor.Dump(ctx)
	if err != nil {
		writeFailure(w, "dump", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	res, err := s.executor.Version(r.Context())
	if err != nil {
		writeFailure(w, "version", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleActivity — ввод пользователя во фронтенде (Activity Monitor).
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visible *bool `json:"visible"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	var err error
	if req.Visible != nil {
		err = s.executor.SetVisible(ctx, *req.Visible)
	} else {
		err = s.executor.Touch(ctx)
	}
	if err != nil {
		writeFailure(w, "activity", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type settingsRequest struct {
	// StatusMessage: отсутствует — не менять; "" — очистить.
	StatusMessage *string `json:"status_message"`
	AutoReply     *bool   `json:"auto_reply"`
	Sound         *bool   `json:"sound"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	if req.StatusMessage != nil {
		msg := req.StatusMessage
		if *msg == "" {
			msg = nil
		}
		if err := s.executor.SetStatusMessage(ctx, msg); err != nil {
			writeFailure(w, "settings", err)
			return
		}
	}
	if req.AutoReply != nil {
		if err := s.executor.SetAutoReply(ctx, *req.AutoReply); err != nil {
			writeFailure(w, "settings", err)
			return
		}
	}
	if req.Sound != nil {
		if err := s.executor.SetSound(ctx, *req.Sound); err != nil {
			writeFailure(w, "settings", err)
			return
		}
	}
	s.handleStatus(w, r)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	res, err := s.executor.Chat(r.Context())
	if err != nil {
		writeFailure(w, "chat", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind model.ConversationKind `json:"kind"`
		ID   string                 `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if (req.Kind != model.Direct && req.Kind != model.Group) || req.ID == "" {
		writeError(w, http.StatusBadRequest, "kind must be dm or group and id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()
	res, err := s.executor.Open(ctx, req.Kind, req.ID)
	if err != nil {
		writeFailure(w, "open", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	if err := s.executor.CloseChat(ctx); err != nil {
		writeFailure(w, "close", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	msg, err := s.executor.Send(ctx, req.Text)
	if err != nil {
		if msg != nil {
			// Сообщение сохранено локально, рассылка не удалась.
			writeJSON(w, http.StatusAccepted, map[string]any{"message": msg, "error": err.Error()})
			return
		}
		writeFailure(w, "send", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	if err := s.executor.Typing(ctx); err != nil {
		writeFailure(w, "typing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	if err := s.executor.Nudge(ctx); err != nil {
		writeFailure(w, "nudge", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartDM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FriendID string `json:"friend_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FriendID == "" {
		writeError(w, http.StatusBadRequest, "friend_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()
	res, err := s.executor.StartDM(ctx, req.FriendID)
	if err != nil {
		writeFailure(w, "start dm", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleEndDM(w http.ResponseWriter, r *http.Request) {
	s.idCommand(w, r, "end dm", s.executor.EndDM)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()
	res, err := s.executor.CreateGroup(ctx, req.Name)
	if err != nil {
		writeFailure(w, "create group", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()
	res, err := s.executor.JoinGroup(ctx, req.Code)
	if err != nil {
		writeFailure(w, "join group", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	s.idCommand(w, r, "leave group", s.executor.LeaveGroup)
}

func (s *Server) handleEndGroup(w http.ResponseWriter, r *http.Request) {
	s.idCommand(w, r, "end group", s.executor.EndGroup)
}

func (s *Server) handleKickMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()
	if err := s.executor.KickMember(ctx, chi.URLParam(r, "id"), req.UserID); err != nil {
		writeFailure(w, "kick member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()
	res, err := s.executor.AddFriend(ctx, req.Code)
	if err != nil {
		writeFailure(w, "add friend", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleAcceptFriend(w http.ResponseWriter, r *http.Request) {
	s.idCommand(w, r, "accept friend", s.executor.AcceptFriend)
}

func (s *Server) handleRemoveFriend(w http.ResponseWriter, r *http.Request) {
	s.idCommand(w, r, "remove friend", s.executor.RemoveFriend)
}

// handleAssignFriend относит дружбу {id} к категории; пустой category_id снимает её.
func (s *Server) handleAssignFriend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CategoryID string `json:"category_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	if err := s.executor.AssignFriend(ctx, chi.URLParam(r, "id"), req.CategoryID); err != nil {
		writeFailure(w, "assign category", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	res, err := s.executor.Categories(r.Context())
	if err != nil {
		writeFailure(w, "categories", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type categoryRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	res, err := s.executor.AddCategory(ctx, req.Name)
	if err != nil {
		writeFailure(w, "add category", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRenameCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()
	if err := s.executor.RenameCategory(ctx, chi.URLParam(r, "id"), req.Name); err != nil {
		writeFailure(w, "rename category", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveCategory(w http.ResponseWriter, r *http.Request) {
	s.idCommand(w, r, "remove category", s.executor.RemoveCategory)
}

// idCommand выполняет команду над {id} из пути и отвечает 204.
func (s *Server) idCommand(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) error) {
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()
	if err := fn(ctx, chi.URLParam(r, "id")); err != nil {
		writeFailure(w, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
