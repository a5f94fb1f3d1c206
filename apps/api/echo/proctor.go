package echoapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/lockdown"
	"github.com/trezcool/proctor/core/proctor"
)

type proctorApi struct {
	*Server
	svc *proctor.Service
}

type snapshotUpload struct {
	Photo string `json:"photo" validate:"required,base64image"`
}

func registerProctorAPI(g *echo.Group, jwt echo.MiddlewareFunc, s *Server) {
	api := proctorApi{Server: s, svc: s.deps.ProctorSvc}

	eg := g.Group("/exams/:examId", jwt, identifierParamsMiddleware)

	// candidate endpoints
	eg.POST("/violations", api.reportViolation, studentMiddleware)
	eg.POST("/snapshots", api.uploadSnapshot, studentMiddleware)

	// invigilator endpoints
	eg.GET("/lockdown", api.lockdown, monitorMiddleware)
	lg := eg.Group("/ledgers/:candidateId")
	lg.GET("", api.ledger, monitorMiddleware)
	lg.POST("/finalize", api.finalize, candidateOrMonitorMiddleware)
	lg.GET("/snapshots", api.snapshots, monitorMiddleware)
	lg.GET("/snapshots/:snapshotId", api.snapshot, monitorMiddleware)
}

// identifierParamsMiddleware rejects path ids that could not name a room or a directory.
func identifierParamsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		for _, name := range ctx.ParamNames() {
			if !core.IsIdentifier(ctx.Param(name)) {
				return errHttpNotFound
			}
		}
		return next(ctx)
	}
}

// sessionKey keys the attempt of the authenticated candidate, or of :candidateId for invigilators.
func sessionKey(ctx echo.Context) (proctor.SessionKey, error) {
	key := proctor.SessionKey{ExamID: ctx.Param("examId"), CandidateID: ctx.Param("candidateId")}
	if key.CandidateID == "" {
		claims, err := getContextClaims(ctx)
		if err != nil {
			return proctor.SessionKey{}, errors.Wrap(err, "getting context claims")
		}
		key.CandidateID = claims.Subject
	}
	if !core.IsIdentifier(key.CandidateID) {
		return proctor.SessionKey{}, errHttpForbidden
	}
	return key, nil
}

// Handlers

func (api *proctorApi) reportViolation(ctx echo.Context) error {
	key, err := sessionKey(ctx)
	if err != nil {
		return err
	}
	var data proctor.Report
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Report")
	}
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	out, err := api.svc.ReportViolation(ctx.Request().Context(), key, data)
	if err != nil {
		return errors.Wrap(err, "reporting violation")
	}
	return ctx.JSON(http.StatusOK, out)
}

func (api *proctorApi) uploadSnapshot(ctx echo.Context) error {
	key, err := sessionKey(ctx)
	if err != nil {
		return err
	}
	var data snapshotUpload
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to snapshotUpload")
	}
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	snap, err := api.svc.UploadSnapshot(ctx.Request().Context(), key, data.Photo)
	if err != nil {
		return errors.Wrap(err, "uploading snapshot")
	}
	return ctx.JSON(http.StatusCreated, snap)
}

func (api *proctorApi) ledger(ctx echo.Context) error {
	key, err := sessionKey(ctx)
	if err != nil {
		return err
	}
	snap, err := api.svc.Ledger(ctx.Request().Context(), key)
	if err != nil {
		return errors.Wrap(err, "getting ledger")
	}
	return ctx.JSON(http.StatusOK, snap)
}

func (api *proctorApi) finalize(ctx echo.Context) error {
	key, err := sessionKey(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.Finalize(ctx.Request().Context(), key); err != nil {
		return errors.Wrap(err, "finalizing ledger")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *proctorApi) snapshots(ctx echo.Context) error {
	if api.deps.Snapshots == nil {
		return errHttpNotFound
	}
	key, err := sessionKey(ctx)
	if err != nil {
		return err
	}
	snaps, err := api.deps.Snapshots.ListSnapshots(ctx.Request().Context(), key)
	if err != nil {
		return errors.Wrap(err, "listing snapshots")
	}
	return ctx.JSON(http.StatusOK, snaps)
}

func (api *proctorApi) snapshot(ctx echo.Context) error {
	if api.deps.Snapshots == nil {
		return errHttpNotFound
	}
	key, err := sessionKey(ctx)
	if err != nil {
		return err
	}
	snap, err := api.deps.Snapshots.GetSnapshot(ctx.Request().Context(), key, ctx.Param("snapshotId"))
	if err != nil {
		return errors.Wrap(err, "getting snapshot")
	}
	return ctx.Blob(http.StatusOK, snap.ContentType, snap.Data)
}

func (api *proctorApi) lockdown(ctx echo.Context) error {
	examID := ctx.Param("examId")
	title := core.CleanString(ctx.QueryParam("title"))
	if title == "" {
		title = "Exam " + examID
	}
	settings := lockdown.Settings{
		QuitPassword: ctx.QueryParam("quit_password"),
		AllowedURLs:  ctx.QueryParams()["allow"],
	}
	for name, dst := range map[string]*bool{
		"allow_quit":   &settings.AllowQuit,
		"allow_reload": &settings.AllowReload,
		"spell_check":  &settings.SpellCheck,
	} {
		if v := ctx.QueryParam(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, name+" must be a boolean")
			}
			*dst = b
		}
	}
	if settings.QuitPassword != "" {
		settings.AllowQuit = true
	}

	data, err := lockdown.Encode(title, examID, settings, api.baseURL(ctx))
	if err != nil {
		return errors.Wrap(err, "encoding lockdown configuration")
	}
	ctx.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", lockdown.Filename(title, examID)))
	return ctx.Blob(http.StatusOK, lockdown.ContentType, data)
}

// baseURL is where candidates reach the exam front-end.
func (api *proctorApi) baseURL(ctx echo.Context) string {
	host := api.conf.Server.Host
	if host == "" {
		host = ctx.Request().Host
	}
	return ctx.Scheme() + "://" + host
}
