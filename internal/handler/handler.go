// Package handler is the HTTP edge: request parsing, auth glue, and status
// mapping. Decisions stay in the attendance service.
package handler

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/biometric"
	"faceattend/internal/export"
	"faceattend/internal/subject"
)

// SubjectStore is the slice of the subject directory the edge needs.
type SubjectStore interface {
	Create(ctx context.Context, sub *subject.Subject) error
	GetByID(ctx context.Context, id string) (*subject.Subject, error)
	GetByUsername(ctx context.Context, username string) (*subject.Subject, error)
	ReplaceTemplate(ctx context.Context, id string, vec biometric.Vector) error
}

type Handler struct {
	subjects SubjectStore
	gate     *attendance.Service
	encoder  attendance.Encoder
	validate *validator.Validate

	jwtIssuer string
	jwtKey    string
	accessTTL time.Duration
}

func New(subjects SubjectStore, gate *attendance.Service, encoder attendance.Encoder, jwtIssuer, jwtKey string, accessTTL time.Duration) *Handler {
	return &Handler{
		subjects:  subjects,
		gate:      gate,
		encoder:   encoder,
		validate:  validator.New(),
		jwtIssuer: jwtIssuer,
		jwtKey:    jwtKey,
		accessTTL: accessTTL,
	}
}

// Routes mounts the API under /api. Everything past login requires a bearer
// token; record queries are additionally role-scoped inside each handler.
func (h *Handler) Routes(r *gin.Engine) {
	api := r.Group("/api")
	api.POST("/auth/register", h.RegisterSubject)
	api.POST("/auth/login", h.Login)

	authed := api.Group("", auth.Bearer(h.jwtKey, h.jwtIssuer))
	authed.GET("/auth/me", h.Me)
	authed.PUT("/auth/template", h.ReplaceTemplate)
	authed.POST("/attendance", h.SubmitAttendance)
	authed.GET("/attendance/me", h.MyRecords)

	admin := authed.Group("/admin")
	admin.GET("/records", h.AdminRecords)
	admin.GET("/export", h.ExportRecords)
}

// ---------- Auth ----------

type registerRequest struct {
	Username string `form:"username" validate:"required,min=3,max=64"`
	Password string `form:"password" validate:"required,min=8,max=72"`
	FullName string `form:"full_name" validate:"max=128"`
	Role     string `form:"role" validate:"omitempty,oneof=subject tenant-admin global-admin"`
	TenantID string `form:"tenant_id" validate:"max=64"`
}

// RegisterSubject enrolls a subject. A reference photo may be attached as the
// multipart field "image"; enrollment succeeds without one, the subject just
// cannot be verified until a template exists.
func (h *Handler) RegisterSubject(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleSubject
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "password hashing failed"})
		return
	}

	sub := &subject.Subject{
		Username:     req.Username,
		FullName:     req.FullName,
		PasswordHash: string(hash),
		Role:         req.Role,
		TenantID:     req.TenantID,
	}

	if file, _, err := c.Request.FormFile("image"); err == nil {
		photo, rerr := io.ReadAll(file)
		file.Close()
		if rerr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read photo"})
			return
		}
		vec, eerr := h.encoder.Extract(c.Request.Context(), photo)
		if eerr != nil {
			// Enrollment still goes through; the template can be added later.
			log.Printf("template extraction failed for %s: %v", req.Username, eerr)
		} else {
			sub.Template = &vec
		}
	}

	if err := h.subjects.Create(c.Request.Context(), sub); err != nil {
		if errors.Is(err, subject.ErrExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subject": sub, "has_template": sub.Template != nil})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.subjects.GetByUsername(c.Request.Context(), req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sub == nil || bcrypt.CompareHashAndPassword([]byte(sub.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, exp, err := auth.Issue(sub.ID, sub.Role, sub.TenantID, h.jwtIssuer, h.jwtKey, h.accessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_at":   exp.Unix(),
		"role":         sub.Role,
	})
}

func (h *Handler) Me(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sub, err := h.subjects.GetByID(c.Request.Context(), claims.Subject)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "subject not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": sub, "has_template": sub.Template != nil})
}

// ReplaceTemplate re-enrolls the caller's face. The stored template is
// replaced whole; there is no merging of enrollments.
func (h *Handler) ReplaceTemplate(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	file, _, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	defer file.Close()
	photo, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	vec, err := h.encoder.Extract(c.Request.Context(), photo)
	if err != nil {
		switch {
		case errors.Is(err, biometric.ErrNoFace), errors.Is(err, biometric.ErrBadImage):
			c.JSON(http.StatusBadRequest, gin.H{"error": "no usable face in image"})
		default:
			log.Printf("re-enroll extraction failed for %s: %v", claims.Subject, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "face engine unavailable"})
		}
		return
	}

	if err := h.subjects.ReplaceTemplate(c.Request.Context(), claims.Subject, vec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subject not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replaced": true, "engine": vec.Engine})
}

// ---------- Attendance ----------

// SubmitAttendance runs one check-in through the gate. Multipart form:
// image (file), lat, lon, and for admins an optional subject_id to submit on
// someone's behalf. Subjects always submit for themselves.
func (h *Handler) SubmitAttendance(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	subjectID := c.PostForm("subject_id")
	if claims.Role == auth.RoleSubject || subjectID == "" {
		subjectID = claims.Subject
	}

	// Geolocation is part of the attendance fact; an absent coordinate is a
	// client error, never defaulted.
	lat, err := strconv.ParseFloat(c.PostForm("lat"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat is required and must be a number"})
		return
	}
	lon, err := strconv.ParseFloat(c.PostForm("lon"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lon is required and must be a number"})
		return
	}

	file, _, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	defer file.Close()
	photo, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	res, err := h.gate.Submit(c.Request.Context(), subjectID, photo, lat, lon)
	if err != nil {
		var verr *attendance.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		case errors.Is(err, attendance.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "subject not found"})
		default:
			log.Printf("submission failed for %s: %v", subjectID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "submission failed"})
		}
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"record": res.Record, "created": res.Created})
}

func (h *Handler) MyRecords(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	records, err := h.gate.ListMine(c.Request.Context(), claims.Subject)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

// ---------- Admin ----------

var adminRoles = []string{auth.RoleTenantAdmin, auth.RoleGlobalAdmin}

func (h *Handler) AdminRecords(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	requested, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scoped, err := auth.ScopeFilter(claims, adminRoles, requested)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	page, limit = attendance.ClampPage(page, limit)

	records, total, err := h.gate.List(c.Request.Context(), scoped, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  records,
		"page":  page,
		"limit": limit,
		"total": total,
	})
}

func (h *Handler) ExportRecords(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	requested, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scoped, err := auth.ScopeFilter(claims, adminRoles, requested)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	records, err := h.gate.ExportRows(c.Request.Context(), scoped)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, records); err != nil {
		log.Printf("export write failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	filename := "attendance-" + time.Now().UTC().Format("20060102") + ".xlsx"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// filterFromQuery parses the admin listing parameters: company (tenant),
// student (identity text search), subject_id, start and end (inclusive).
func filterFromQuery(c *gin.Context) (attendance.Filter, error) {
	f := attendance.Filter{
		TenantID:  c.Query("company"),
		NameQuery: c.Query("student"),
	}
	if v := c.Query("subject_id"); v != "" {
		f.SubjectIDs = []string{v}
	}
	var err error
	if f.From, err = parseTimeParam(c.Query("start")); err != nil {
		return attendance.Filter{}, errors.New("start must be RFC3339 or YYYY-MM-DD")
	}
	if f.To, err = parseTimeParam(c.Query("end")); err != nil {
		return attendance.Filter{}, errors.New("end must be RFC3339 or YYYY-MM-DD")
	}
	return f, nil
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
