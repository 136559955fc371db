package planimg

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/KazanExpress/planimg/internal/pkg/links"
	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/KazanExpress/planimg/internal/pkg/utils"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

const (
	streamChunkSize = 32 * 1024
	// multipart overhead on top of MAX_IMAGE_SIZE
	formOverhead = 1 << 20
)

type session struct {
	ctx  *AppContext
	user *storage.User
}

type sessionHandler = func(*session, http.ResponseWriter, *http.Request)

func withSession(ctx *AppContext) func(sessionHandler) http.HandlerFunc {

	return func(handler sessionHandler) http.HandlerFunc {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			var s = &session{
				ctx: ctx,
			}
			handler(s, w, req)
		})
	}

}

// authenticate - resolves user from bearer token
func authenticate(next sessionHandler) sessionHandler {
	return func(s *session, w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			respondWithDetail(w, NotAuthenticatedError.Error(), http.StatusUnauthorized)
			return
		}

		userID, err := ParseToken(s.ctx.Config.JWTSecret, token)
		if err != nil {
			respondWithDetail(w, InvalidTokenError.Error(), http.StatusUnauthorized)
			return
		}

		user, err := s.ctx.DB.QueryUser(userID)
		if err == storage.UserNotFoundError {
			respondWithDetail(w, InvalidTokenError.Error(), http.StatusUnauthorized)
			return
		}
		if failOnError(w, err, "failed to load user", http.StatusInternalServerError) {
			return
		}

		s.user = user
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user", user.Username)
		})
		next(s, w, r)
	}
}

// requirePlan - access gate
func requirePlan(next sessionHandler) sessionHandler {
	return func(s *session, w http.ResponseWriter, r *http.Request) {
		if !Authorize(s.user) {
			respondWithDetail(w, PermissionDeniedError.Error(), http.StatusForbidden)
			return
		}
		next(s, w, r)
	}
}

func parseUploadArgs(s *session, w http.ResponseWriter, r *http.Request) (*UploadArgs, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.ctx.Config.MaxImageSize+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, &storage.ValidationError{
			Field:   "imageFile",
			Message: "The submitted data was not a file. Check the encoding type on the form.",
		}
	}

	var args = &UploadArgs{
		Owner: s.user,
		Name:  r.FormValue("name"),
	}

	if raw := r.FormValue("expiringLinkDurationSeconds"); raw != "" {
		seconds, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, &storage.ValidationError{
				Field:   "expiringLinkDurationSeconds",
				Message: "A valid integer is required.",
			}
		}
		v := uint(seconds)
		args.ExpiringLinkDurationSeconds = &v
	}

	file, _, err := r.FormFile("imageFile")
	if err == http.ErrMissingFile {
		return args, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	// one byte more than allowed so oversized files are detected
	args.Image, err = ioutil.ReadAll(io.LimitReader(file, s.ctx.Config.MaxImageSize+1))
	if err != nil {
		return nil, err
	}
	return args, nil
}

func handleCreateImage(s *session, w http.ResponseWriter, r *http.Request) {
	args, err := parseUploadArgs(s, w, r)
	if failOnError(w, err, "", http.StatusBadRequest) {
		return
	}

	img, err := s.ctx.ImageService.Upload(r.Context(), args)
	var verr *storage.ValidationError
	if errors.As(err, &verr) {
		respondWithFieldError(w, verr)
		return
	}
	if failOnError(w, err, "failed to upload image", http.StatusInternalServerError) {
		return
	}

	respondWithJSON(w, makeCreatePayload(img), http.StatusCreated)
}

func handleListImages(s *session, w http.ResponseWriter, r *http.Request) {
	families, err := s.ctx.ImageService.List(r.Context(), s.user.ID)
	if failOnError(w, err, "failed to list images", http.StatusInternalServerError) {
		return
	}

	var payload = make([]imageResponse, 0, len(families))
	for _, family := range families {
		payload = append(payload, makeImagePayload(family))
	}
	respondWithJSON(w, payload, http.StatusOK)
}

func handleDeleteImage(s *session, w http.ResponseWriter, r *http.Request) {
	imageID, err := uuid.Parse(mux.Vars(r)["imageId"])
	if err != nil {
		respondWithDetail(w, "Not found.", http.StatusNotFound)
		return
	}

	err = s.ctx.ImageService.Delete(r.Context(), s.user.ID, imageID)
	if err == storage.ImageNotFoundError {
		respondWithDetail(w, "Not found.", http.StatusNotFound)
		return
	}
	if failOnError(w, err, "failed to delete image", http.StatusInternalServerError) {
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writerOnly hides io.ReaderFrom of the response so copying keeps to the buffer size
type writerOnly struct {
	io.Writer
}

func handleLink(s *session, w http.ResponseWriter, r *http.Request) {
	var linkID = mux.Vars(r)["linkId"]

	stream, err := s.ctx.Resolver.Resolve(r.Context(), linkID)
	switch {
	case err == links.LinkNotFoundError:
		respondWithDetail(w, "Link not found", http.StatusBadRequest)
		return
	case err == links.LinkExpiredError:
		respondWithDetail(w, "Link has expired", http.StatusBadRequest)
		return
	case failOnError(w, err, "failed to resolve link", http.StatusInternalServerError):
		return
	}
	defer stream.Body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", stream.Filename))
	if stream.Image.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(stream.Image.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	var buf = make([]byte, streamChunkSize)
	if _, err = io.CopyBuffer(writerOnly{w}, stream.Body, buf); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("link_id", linkID).Msg("streaming interrupted")
	}
}

// simple handlers without need of session

func handleFree(w http.ResponseWriter, req *http.Request) {
	debug.FreeOSMemory()
	w.WriteHeader(200)
}

func handleHealth(ctx *AppContext) http.HandlerFunc {
	var checks = map[string]utils.Check{
		"database": ctx.DB.Ping,
	}
	if ctx.Config.DerivationAsync {
		checks["redis"] = ctx.PingRedis
	}

	return func(w http.ResponseWriter, r *http.Request) {
		health := utils.GetHealthStats(checks)
		code := http.StatusOK
		if !health.Healthy {
			code = http.StatusServiceUnavailable
			log.Warn().Interface("services", health.Services).Msg("health check failed")
		}
		respondWithJSON(w, health, code)
	}
}
