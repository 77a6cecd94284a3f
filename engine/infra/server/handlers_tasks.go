package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tianshu-ai/tianshu/engine/auth"
	"github.com/tianshu-ai/tianshu/engine/core"
	"github.com/tianshu-ai/tianshu/engine/engines"
	"github.com/tianshu-ai/tianshu/engine/normalizer"
	"github.com/tianshu-ai/tianshu/engine/task"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// uploadCopyBufferSize keeps large uploads off the heap fast path without
// buffering whole files in memory.
const uploadCopyBufferSize = 8 << 20

// boolOptionFields are the form fields copied verbatim into task options
// when present.
var boolOptionFields = []string{
	"formula_enable", "table_enable", "keep_audio", "enable_keyframe_ocr",
	"keep_keyframes", "enable_speaker_diarization", "remove_watermark", "force_mineru",
}

var stringOptionFields = []string{"lang", "method", "ocr_backend", "server_url"}

var floatOptionFields = []string{"watermark_conf_threshold", "watermark_dilation"}

func (s *Server) handleSubmit(c *gin.Context) {
	user, _ := auth.GetUser(c)
	if max := s.cfg.Server.MaxUploadSize; max > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "multipart field 'file' is required", err.Error())
		return
	}
	fileName := filepath.Base(fileHeader.Filename)
	if fileName == "" || fileName == "." {
		respondError(c, http.StatusBadRequest, "invalid file name", nil)
		return
	}
	if !s.registry.Supported(fileName) {
		respondError(c, http.StatusBadRequest,
			fmt.Sprintf("unsupported file type %q", filepath.Ext(fileName)), nil)
		return
	}
	backend := c.DefaultPostForm("backend", engines.BackendAuto)
	if backend != engines.BackendAuto {
		if _, err := s.registry.Get(backend); err != nil {
			respondTaskError(c, err)
			return
		}
	}

	dst, err := s.saveUpload(fileHeader, fileName)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store upload", err.Error())
		return
	}

	if mtype, err := mimetype.DetectFile(dst); err == nil {
		logger.FromContext(c.Request.Context()).Debug("upload received",
			"file", fileName, "content_type", mtype.String(), "size", fileHeader.Size)
	}

	in := &task.CreateInput{
		FileName: fileName,
		FilePath: dst,
		Backend:  backend,
		Options:  optionsFromForm(c),
		UserID:   user.ID.String(),
	}
	if p := c.PostForm("priority"); p != "" {
		priority, err := strconv.Atoi(p)
		if err != nil {
			os.Remove(dst)
			respondError(c, http.StatusBadRequest, "priority must be an integer", nil)
			return
		}
		in.Priority = priority
	}

	t, err := s.tasks.Submit(c.Request.Context(), in)
	if err != nil {
		os.Remove(dst)
		respondTaskError(c, err)
		return
	}
	respondData(c, http.StatusOK, t, "task submitted")
}

// saveUpload streams the multipart part to uploads/<uuidhex>_<name>.
func (s *Server) saveUpload(fileHeader *multipart.FileHeader, fileName string) (string, error) {
	if err := os.MkdirAll(s.cfg.Paths.Upload, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	id := uuid.New()
	dst := filepath.Join(s.cfg.Paths.Upload, hex.EncodeToString(id[:])+"_"+fileName)
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	buf := make([]byte, uploadCopyBufferSize)
	if _, err := io.CopyBuffer(out, src, buf); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("flush upload: %w", err)
	}
	return dst, nil
}

func optionsFromForm(c *gin.Context) task.Options {
	options := task.Options{}
	for _, field := range boolOptionFields {
		if v := c.PostForm(field); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				options[field] = b
			}
		}
	}
	for _, field := range stringOptionFields {
		if v := c.PostForm(field); v != "" {
			options[field] = v
		}
	}
	for _, field := range floatOptionFields {
		if v := c.PostForm(field); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				options[field] = f
			}
		}
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := taskIDParam(c)
	if !ok {
		return
	}
	t, children, err := s.tasks.GetWithChildren(c.Request.Context(), id)
	if err != nil {
		respondTaskError(c, err)
		return
	}
	if !s.canView(c, t) {
		return
	}

	data := gin.H{"task": t}
	if t.IsParent {
		data["is_parent"] = true
		data["subtask_progress"] = fmt.Sprintf("%d/%d", t.ChildCompleted, t.ChildCount)
		summaries := make([]gin.H, 0, len(children))
		for _, child := range children {
			summary := gin.H{"task_id": child.ID, "status": child.Status}
			if ci, ok := child.ChunkInfo(); ok {
				summary["chunk_info"] = ci
			}
			summaries = append(summaries, summary)
		}
		data["children"] = summaries
	}

	format := c.DefaultQuery("format", "markdown")
	if t.Status == task.StatusCompleted {
		if err := attachContent(data, t.ResultPath, format); err != nil {
			respondError(c, http.StatusInternalServerError, "failed to read result artifacts", err.Error())
			return
		}
	}
	respondData(c, http.StatusOK, data, "")
}

// attachContent loads the requested result artifacts into the response.
func attachContent(data gin.H, resultPath, format string) error {
	if format == "markdown" || format == "both" {
		md, err := os.ReadFile(filepath.Join(resultPath, normalizer.MarkdownName))
		if err != nil {
			return err
		}
		data["content"] = string(md)
	}
	if format == "json" || format == "both" {
		raw, err := os.ReadFile(filepath.Join(resultPath, normalizer.JSONName))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		data["content_json"] = json.RawMessage(raw)
	}
	return nil
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id, ok := taskIDParam(c)
	if !ok {
		return
	}
	t, err := s.tasks.Get(c.Request.Context(), id)
	if err != nil {
		respondTaskError(c, err)
		return
	}
	user, _ := auth.GetUser(c)
	if t.UserID != user.ID.String() && !user.Role.HasPermission(auth.PermTaskDeleteAll) {
		respondError(c, http.StatusForbidden, "not your task", nil)
		return
	}

	cancelled, err := s.tasks.Cancel(c.Request.Context(), id)
	if err != nil {
		if cancelled != nil {
			respondError(c, http.StatusBadRequest,
				fmt.Sprintf("cannot cancel task in %s", cancelled.Status), gin.H{"status": cancelled.Status})
			return
		}
		respondTaskError(c, err)
		return
	}
	respondData(c, http.StatusOK, cancelled, "task cancelled")
}

func (s *Server) handleListTasks(c *gin.Context) {
	var status *task.Status
	if raw := c.Query("status"); raw != "" {
		parsed, err := task.ParseStatus(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		status = &parsed
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(c, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	user, _ := auth.GetUser(c)
	var (
		tasks []*task.Task
		err   error
	)
	if user.Role.HasPermission(auth.PermTaskViewAll) {
		tasks, err = s.tasks.ListByStatus(c.Request.Context(), status, limit)
	} else {
		tasks, err = s.tasks.ListForUser(c.Request.Context(), user.ID.String(), status, limit)
	}
	if err != nil {
		respondTaskError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)}, "")
}

// handleServeFile exposes result artifacts under the task's result dir.
func (s *Server) handleServeFile(c *gin.Context) {
	id, ok := taskIDParam(c)
	if !ok {
		return
	}
	t, err := s.tasks.Get(c.Request.Context(), id)
	if err != nil {
		respondTaskError(c, err)
		return
	}
	if !s.canView(c, t) {
		return
	}
	if t.ResultPath == "" {
		respondError(c, http.StatusNotFound, "task has no results", nil)
		return
	}

	rel := strings.TrimPrefix(c.Param("filepath"), "/")
	base := filepath.Clean(t.ResultPath)
	full := filepath.Join(base, rel)
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		respondError(c, http.StatusBadRequest, "invalid file path", nil)
		return
	}
	if info, err := os.Stat(full); err != nil || info.IsDir() {
		respondError(c, http.StatusNotFound, "file not found", nil)
		return
	}
	c.File(full)
}

func (s *Server) canView(c *gin.Context, t *task.Task) bool {
	user, _ := auth.GetUser(c)
	if t.UserID == user.ID.String() || user.Role.HasPermission(auth.PermTaskViewAll) {
		return true
	}
	respondError(c, http.StatusForbidden, "not your task", nil)
	return false
}

func taskIDParam(c *gin.Context) (core.ID, bool) {
	id, err := core.ParseID(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid task id", nil)
		return "", false
	}
	return id, true
}
