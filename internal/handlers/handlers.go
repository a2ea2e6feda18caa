package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/lesion-diagnostics/internal/repository"
	"github.com/example/lesion-diagnostics/internal/usecase"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// API holds the use cases served over HTTP.
type API struct {
	Diagnostics *usecase.DiagnosticUseCase
	Users       *usecase.UserUseCase
	Logger      *zap.Logger
}

type userResponse struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type diagnosticResponse struct {
	ID        uint      `json:"id"`
	ImageURL  string    `json:"image_url"`
	Result    string    `json:"result"`
	UserID    uint      `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type createUserRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type createDiagnosticRequest struct {
	ImageURL string          `json:"image_url" binding:"required"`
	UserID   uint            `json:"user_id" binding:"required"`
	Result   json.RawMessage `json:"result"`
}

type diagnosisRequest struct {
	ImageURL  string `json:"image_url"`
	ImageData string `json:"image_data"`
	UserID    uint   `json:"user_id" binding:"required"`
}

func toUserResponse(u *repository.User) userResponse {
	return userResponse{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt}
}

func toDiagnosticResponse(d *repository.Diagnostic) diagnosticResponse {
	return diagnosticResponse{ID: d.ID, ImageURL: d.ImageURL, Result: d.Result, UserID: d.UserID, CreatedAt: d.CreatedAt}
}

// RegisterRoutes wires the HTTP handlers to the Gin router. protect, when not
// nil, guards every route except health, auth and account creation, and
// patients are then limited to their own records.
func RegisterRoutes(router *gin.Engine, api *API, protect gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup := router.Group("/auth")
	authGroup.POST("/register", api.register)
	authGroup.POST("/login", api.login)

	router.POST("/users/", api.createUser)

	secured := router.Group("/")
	if protect != nil {
		secured.Use(protect)
	}

	secured.GET("/users", api.listUsers)
	secured.GET("/users/:id", api.getUser)
	secured.DELETE("/users/:id", api.deleteUser)

	secured.POST("/diagnostic/post", api.createDiagnostic)
	secured.POST("/diagnostic/get_diagnosis", api.getDiagnosis)
	secured.DELETE("/diagnostic/:id", api.deleteDiagnostic)

	secured.GET("/diagnostics/:id", api.getDiagnostic)
	secured.DELETE("/diagnostics/:id", api.deleteDiagnostic)
	secured.GET("/diagnostics/user/:user_id", api.listUserDiagnostics)
	secured.GET("/diagnostics/user/:user_id/export", api.exportUserDiagnostics)
}

func (a *API) register(c *gin.Context) {
	var req createUserRequest
	if !a.bind(c, &req) {
		return
	}
	session, err := a.Users.Register(c.Request.Context(), usecase.NewUser{Name: req.Name, Email: req.Email, Password: req.Password})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionBody(session))
}

func (a *API) login(c *gin.Context) {
	var req loginRequest
	if !a.bind(c, &req) {
		return
	}
	session, err := a.Users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionBody(session))
}

func sessionBody(s *usecase.Session) gin.H {
	body := gin.H{"user": toUserResponse(s.User)}
	if s.Token != "" {
		body["access_token"] = s.Token
		body["token_type"] = "bearer"
		body["expires_at"] = s.ExpiresAt
	}
	return body
}

func (a *API) createUser(c *gin.Context) {
	var req createUserRequest
	if !a.bind(c, &req) {
		return
	}
	user, err := a.Users.Create(c.Request.Context(), usecase.NewUser{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toUserResponse(user))
}

func (a *API) listUsers(c *gin.Context) {
	who, ok := a.identify(c)
	if !ok {
		return
	}
	if who.restricted {
		forbidden(c)
		return
	}
	users, err := a.Users.List(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for i := range users {
		out = append(out, toUserResponse(&users[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) getUser(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok || !a.authorize(c, id) {
		return
	}
	user, err := a.Users.Get(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if user == nil {
		detail(c, http.StatusNotFound, "User not found")
		return
	}
	c.JSON(http.StatusOK, toUserResponse(user))
}

func (a *API) deleteUser(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok || !a.authorize(c, id) {
		return
	}
	cascade, err := strconv.ParseBool(c.DefaultQuery("cascade", "false"))
	if err != nil {
		detail(c, http.StatusBadRequest, "cascade must be a boolean")
		return
	}
	deleted, err := a.Users.Delete(c.Request.Context(), id, cascade)
	if err != nil {
		a.fail(c, err)
		return
	}
	if !deleted {
		detail(c, http.StatusNotFound, "User not found")
		return
	}
	detail(c, http.StatusOK, "User deleted")
}

func (a *API) createDiagnostic(c *gin.Context) {
	var req createDiagnosticRequest
	if !a.bind(c, &req) || !a.authorize(c, req.UserID) {
		return
	}

	ctx := c.Request.Context()
	var (
		d   *repository.Diagnostic
		err error
	)
	if req.Result != nil {
		d, err = a.Diagnostics.SaveClientSuppliedResult(ctx, req.ImageURL, req.UserID, req.Result)
	} else {
		d, err = a.Diagnostics.CreateDiagnostic(ctx, req.ImageURL, req.UserID)
	}
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDiagnosticResponse(d))
}

func (a *API) getDiagnosis(c *gin.Context) {
	var req diagnosisRequest
	if !a.bind(c, &req) || !a.authorize(c, req.UserID) {
		return
	}
	d, err := a.Diagnostics.GetDiagnosis(c.Request.Context(), usecase.DiagnosisRequest{
		ImageURL:  req.ImageURL,
		ImageData: req.ImageData,
		UserID:    req.UserID,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"diagnostic_id": d.ID,
		"result":        json.RawMessage(d.Result),
	})
}

func (a *API) getDiagnostic(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := a.Diagnostics.FindByID(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if d == nil {
		detail(c, http.StatusNotFound, "Diagnostic not found")
		return
	}
	if !a.authorize(c, d.UserID) {
		return
	}
	c.JSON(http.StatusOK, toDiagnosticResponse(d))
}

func (a *API) deleteDiagnostic(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	who, ok := a.identify(c)
	if !ok {
		return
	}
	if who.restricted {
		d, err := a.Diagnostics.FindByID(c.Request.Context(), id)
		if err != nil {
			a.fail(c, err)
			return
		}
		if d == nil {
			detail(c, http.StatusNotFound, "Diagnostic not found")
			return
		}
		if !who.owns(d.UserID) {
			forbidden(c)
			return
		}
	}
	deleted, err := a.Diagnostics.DeleteByID(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if !deleted {
		detail(c, http.StatusNotFound, "Diagnostic not found")
		return
	}
	detail(c, http.StatusOK, "Diagnostic deleted")
}

func (a *API) listUserDiagnostics(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok || !a.authorize(c, userID) {
		return
	}
	list, err := a.Diagnostics.ListByUser(c.Request.Context(), userID)
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]diagnosticResponse, 0, len(list))
	for i := range list {
		out = append(out, toDiagnosticResponse(&list[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) exportUserDiagnostics(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok || !a.authorize(c, userID) {
		return
	}
	data, err := a.Diagnostics.ExportUserHistory(c.Request.Context(), userID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="diagnostics-`+strconv.FormatUint(uint64(userID), 10)+`.xlsx"`)
	c.Data(http.StatusOK, xlsxContentType, data)
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		detail(c, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return uint(id), true
}
