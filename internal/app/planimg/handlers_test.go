package planimg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KazanExpress/planimg/internal/pkg/clock"
	"github.com/KazanExpress/planimg/internal/pkg/config"
	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/KazanExpress/planimg/internal/pkg/storage/storagetest"
	"github.com/KazanExpress/planimg/internal/pkg/transformations"
	"github.com/gocraft/work"
	"github.com/google/uuid"
	"github.com/onsi/gomega"
	"github.com/stretchr/testify/suite"
)

const (
	baseURL    = "http://localhost:8000"
	testSecret = "test-secret"
)

var startOfTime = time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)

var premium = []storage.SpecificationDefinition{
	{Width: 200, Height: 200, Link: true},
	{Width: 400, Height: 400, Link: true},
	{Link: true},
	{ExpiryLink: true, ExpiryLinkSeconds: storagetest.Seconds(300)},
}

type recordingEnqueuer struct {
	jobs []*work.Job
}

func (e *recordingEnqueuer) Enqueue(jobName string, args map[string]interface{}) (*work.Job, error) {
	job := &work.Job{Name: jobName, ID: uuid.New().String(), Args: args}
	e.jobs = append(e.jobs, job)
	return job, nil
}

type brokenResizer struct{}

func (brokenResizer) Name() string { return "broken" }

func (brokenResizer) Resize(ctx context.Context, src []byte, width, height uint) ([]byte, error) {
	return nil, errors.New("resizer is broken")
}

// gatedResizer holds the first resize until release is closed
type gatedResizer struct {
	transformations.GiftResizer
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *gatedResizer) Resize(ctx context.Context, src []byte, width, height uint) ([]byte, error) {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return r.GiftResizer.Resize(ctx, src, width, height)
}

// cancelingResizer cancels the upload context before resizing
type cancelingResizer struct {
	transformations.GiftResizer
	cancel context.CancelFunc
}

func (r *cancelingResizer) Resize(ctx context.Context, src []byte, width, height uint) ([]byte, error) {
	r.cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.GiftResizer.Resize(ctx, src, width, height)
}

type Suite struct {
	suite.Suite
	appCtx  *AppContext
	server  *Server
	clock   *clock.FakeClock
	blobs   *storage.FileStore
	alice   *storage.User
	bob     *storage.User
	picture []byte
}

func TestEndpointSuite(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) SetupSuite() {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for x := 0; x < 320; x++ {
		for y := 0; y < 240; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 200, 255})
		}
	}
	var buf bytes.Buffer
	s.Require().NoError(png.Encode(&buf, img))
	s.picture = buf.Bytes()
}

func (s *Suite) SetupTest() {
	cfg := config.InitFrom("../../../.env")
	cfg.JWTSecret = testSecret
	cfg.BaseURL = baseURL
	cfg.DerivationAsync = false
	cfg.ThrottlerQueueLength = 10

	db := storagetest.NewDB(s.T())
	s.blobs = storagetest.NewFileStore(s.T())

	s.appCtx = NewAppContextWith(cfg, db, s.blobs, &transformations.GiftResizer{Quality: 80})
	s.clock = clock.Fake(startOfTime)
	s.appCtx.Engine.Clock = s.clock
	s.appCtx.Resolver.Clock = s.clock
	s.server = NewServer(s.appCtx)

	storagetest.MustCreatePlan(s.T(), db, "Premium", premium...)
	s.alice = storagetest.MustCreateUser(s.T(), db, "alice", "Premium")
	s.bob = storagetest.MustCreateUser(s.T(), db, "bob", "")
}

func (s *Suite) token(user *storage.User) string {
	token, err := IssueToken(testSecret, user, time.Hour)
	s.Require().NoError(err)
	return token
}

func (s *Suite) serve(request *http.Request, user *storage.User) *httptest.ResponseRecorder {
	if user != nil {
		request.Header.Set("Authorization", "Bearer "+s.token(user))
	}
	response := httptest.NewRecorder()
	s.server.AppRouter().ServeHTTP(response, request)
	return response
}

func (s *Suite) upload(user *storage.User, params map[string]string, content []byte) *httptest.ResponseRecorder {
	request, err := newFileUploadRequest(baseURL+"/api/images/", params, "imageFile", "picture.png", content)
	s.Require().NoError(err, "failed to create file upload request")
	return s.serve(request, user)
}

func (s *Suite) list(user *storage.User) []imageResponse {
	response := s.serve(httptest.NewRequest("GET", baseURL+"/api/images/", nil), user)
	s.Require().Equal(http.StatusOK, response.Code, response.Body.String())

	var images []imageResponse
	s.Require().NoError(json.Unmarshal(response.Body.Bytes(), &images))
	return images
}

func (s *Suite) detail(response *httptest.ResponseRecorder) string {
	var body detailResponse
	s.Require().NoError(json.Unmarshal(response.Body.Bytes(), &body), response.Body.String())
	return body.Detail
}

func (s *Suite) TestAuthentication() {
	response := s.upload(nil, map[string]string{"name": "picture"}, s.picture)
	s.Equal(http.StatusUnauthorized, response.Code)
	s.Equal("Authentication credentials were not provided.", s.detail(response))

	request := httptest.NewRequest("GET", baseURL+"/api/images/", nil)
	request.Header.Set("Authorization", "Bearer not.a.token")
	response = s.serve(request, nil)
	s.Equal(http.StatusUnauthorized, response.Code)
	s.Equal("Invalid token", s.detail(response))

	forged, err := IssueToken("another-secret", s.alice, time.Hour)
	s.Require().NoError(err)
	request = httptest.NewRequest("GET", baseURL+"/api/images/", nil)
	request.Header.Set("Authorization", "Bearer "+forged)
	s.Equal(http.StatusUnauthorized, s.serve(request, nil).Code)
}

func (s *Suite) TestUserWithoutPlanIsForbidden() {
	response := s.upload(s.bob, map[string]string{"name": "picture"}, s.picture)
	s.Equal(http.StatusForbidden, response.Code)
	s.Equal("You must have a Plan to perform this action", s.detail(response))

	response = s.serve(httptest.NewRequest("GET", baseURL+"/api/images/", nil), s.bob)
	s.Equal(http.StatusForbidden, response.Code)
	s.Equal("You must have a Plan to perform this action", s.detail(response))

	originals, err := s.appCtx.DB.ListOriginals(s.bob.ID)
	s.NoError(err)
	s.Empty(originals)
}

func (s *Suite) TestUploadAndList() {
	g := gomega.NewGomegaWithT(s.T())

	response := s.upload(s.alice, map[string]string{"name": "picture"}, s.picture)
	s.Require().Equal(http.StatusCreated, response.Code, response.Body.String())

	var created createImageResponse
	s.Require().NoError(json.Unmarshal(response.Body.Bytes(), &created))
	s.Equal("picture", created.Name)
	s.Nil(created.ExpiringLinkDurationSeconds)
	s.Equal(storage.DerivationDone, created.DerivationStatus)

	images := s.list(s.alice)
	s.Require().Len(images, 1)
	s.Equal(created.ID, images[0].ID)
	g.Expect(images[0].Links).To(gomega.HaveLen(4))

	var expiring []linkResponse
	for _, l := range images[0].Links {
		g.Expect(l.URI).To(gomega.HavePrefix(baseURL + "/api/images/links/"))
		if l.Expiry != nil {
			expiring = append(expiring, l)
		}
	}
	s.Require().Len(expiring, 1)
	s.Equal(startOfTime.Add(300*time.Second).Format(ExpiryFormat), *expiring[0].Expiry)

	thumbs, err := s.appCtx.DB.ListThumbnails(uuid.MustParse(created.ID))
	s.NoError(err)
	s.Len(thumbs, 2)

	s.Empty(s.list(storagetest.MustCreateUser(s.T(), s.appCtx.DB, "carol", "Premium")), "images of other users are not listed")
}

func (s *Suite) TestUploadValidation() {
	response := s.upload(s.alice, map[string]string{"name": "picture", "expiringLinkDurationSeconds": "400000"}, s.picture)
	s.Equal(http.StatusBadRequest, response.Code)

	var fields map[string][]string
	s.Require().NoError(json.Unmarshal(response.Body.Bytes(), &fields))
	s.Equal([]string{"Invalid expiring_link_duration_seconds value"}, fields["expiringLinkDurationSeconds"])

	for _, bound := range []string{"300", "30000", "abc"} {
		response = s.upload(s.alice, map[string]string{"name": "picture", "expiringLinkDurationSeconds": bound}, s.picture)
		s.Equal(http.StatusBadRequest, response.Code, bound)
	}

	response = s.upload(s.alice, map[string]string{}, s.picture)
	s.Equal(http.StatusBadRequest, response.Code)
	s.Contains(response.Body.String(), `"name"`)

	response = s.upload(s.alice, map[string]string{"name": "picture"}, []byte("definitely not an image"))
	s.Equal(http.StatusBadRequest, response.Code)
	s.Contains(response.Body.String(), `"imageFile"`)

	originals, err := s.appCtx.DB.ListOriginals(s.alice.ID)
	s.NoError(err)
	s.Empty(originals, "no image is created on validation error")
	s.Equal(0, storagetest.CountBlobs(s.T(), s.blobs), "no blob is stored on validation error")

	response = s.upload(s.alice, map[string]string{"name": "picture", "expiringLinkDurationSeconds": "301"}, s.picture)
	s.Require().Equal(http.StatusCreated, response.Code, response.Body.String())
	var created createImageResponse
	s.Require().NoError(json.Unmarshal(response.Body.Bytes(), &created))
	s.Equal(uint(301), *created.ExpiringLinkDurationSeconds)
}

func (s *Suite) TestUploadTooLarge() {
	s.appCtx.Config.MaxImageSize = int64(len(s.picture) - 1)

	response := s.upload(s.alice, map[string]string{"name": "picture"}, s.picture)
	s.Equal(http.StatusBadRequest, response.Code)
	s.Contains(response.Body.String(), `"imageFile"`)
}

func (s *Suite) linkOf(images []imageResponse, expiring bool) string {
	for _, l := range images[0].Links {
		if (l.Expiry != nil) == expiring {
			return l.URI
		}
	}
	s.FailNow("no suitable link")
	return ""
}

func (s *Suite) TestLinkStreaming() {
	s.Require().Equal(http.StatusCreated, s.upload(s.alice, map[string]string{"name": "picture"}, s.picture).Code)
	images := s.list(s.alice)

	// third rule links the original
	uri := images[0].Links[2].URI
	response := s.serve(httptest.NewRequest("GET", uri, nil), nil)
	s.Require().Equal(http.StatusOK, response.Code)

	linkID := uri[strings.LastIndex(uri, "/")+1:]
	s.Equal("attachment; filename="+linkID+".jpg", response.Header().Get("Content-Disposition"))
	s.Equal(s.picture, response.Body.Bytes(), "streamed bytes should equal uploaded bytes")

	// thumbnail link
	response = s.serve(httptest.NewRequest("GET", images[0].Links[0].URI, nil), nil)
	s.Require().Equal(http.StatusOK, response.Code)
	format, width, height, err := transformations.Probe(response.Body.Bytes())
	s.NoError(err)
	s.Equal("jpeg", format)
	s.Equal(200, width)
	s.Equal(200, height)
}

func (s *Suite) TestLinkStreamingManyChunks() {
	rnd := rand.New(rand.NewSource(42))
	noise := image.NewRGBA(image.Rect(0, 0, 256, 256))
	rnd.Read(noise.Pix)
	var buf bytes.Buffer
	s.Require().NoError(png.Encode(&buf, noise))
	content := buf.Bytes()
	s.Require().Greater(len(content), 3*streamChunkSize+1)

	s.Require().Equal(http.StatusCreated, s.upload(s.alice, map[string]string{"name": "noise"}, content).Code)
	images := s.list(s.alice)

	response := s.serve(httptest.NewRequest("GET", images[0].Links[2].URI, nil), nil)
	s.Require().Equal(http.StatusOK, response.Code)
	s.Equal(strconv.Itoa(len(content)), response.Header().Get("Content-Length"))
	s.True(bytes.Equal(content, response.Body.Bytes()), "streamed bytes should equal uploaded bytes")
}

func (s *Suite) TestExpiredLink() {
	s.Require().Equal(http.StatusCreated, s.upload(s.alice, map[string]string{"name": "picture"}, s.picture).Code)
	images := s.list(s.alice)
	expiring := s.linkOf(images, true)
	permanent := s.linkOf(images, false)

	s.clock.Advance(299 * time.Second)
	s.Equal(http.StatusOK, s.serve(httptest.NewRequest("GET", expiring, nil), nil).Code)

	s.clock.Advance(time.Second)
	response := s.serve(httptest.NewRequest("GET", expiring, nil), nil)
	s.Equal(http.StatusBadRequest, response.Code)
	s.Equal("Link has expired", s.detail(response))

	s.clock.Advance(10 * 365 * 24 * time.Hour)
	s.Equal(http.StatusOK, s.serve(httptest.NewRequest("GET", permanent, nil), nil).Code)
}

func (s *Suite) TestLinkNotFound() {
	for _, id := range []string{uuid.New().String(), "garbage"} {
		response := s.serve(httptest.NewRequest("GET", baseURL+"/api/images/links/"+id, nil), nil)
		s.Equal(http.StatusBadRequest, response.Code)
		s.Equal("Link not found", s.detail(response))
	}
}

func (s *Suite) TestDeleteImage() {
	s.Require().Equal(http.StatusCreated, s.upload(s.alice, map[string]string{"name": "picture"}, s.picture).Code)
	images := s.list(s.alice)
	uri := images[0].Links[0].URI
	s.Equal(3, storagetest.CountBlobs(s.T(), s.blobs))

	carol := storagetest.MustCreateUser(s.T(), s.appCtx.DB, "carol", "Premium")
	response := s.serve(httptest.NewRequest("DELETE", baseURL+"/api/images/"+images[0].ID, nil), carol)
	s.Equal(http.StatusNotFound, response.Code, "only owner deletes")

	response = s.serve(httptest.NewRequest("DELETE", baseURL+"/api/images/"+images[0].ID, nil), s.alice)
	s.Equal(http.StatusNoContent, response.Code)

	s.Empty(s.list(s.alice))
	s.Equal(0, storagetest.CountBlobs(s.T(), s.blobs))
	s.Equal(http.StatusBadRequest, s.serve(httptest.NewRequest("GET", uri, nil), nil).Code)

	response = s.serve(httptest.NewRequest("DELETE", baseURL+"/api/images/"+images[0].ID, nil), s.alice)
	s.Equal(http.StatusNotFound, response.Code)
	s.Equal("Not found.", s.detail(response))
}

func (s *Suite) TestDerivationFailureKeepsOriginal() {
	s.appCtx.Engine.Resizer = brokenResizer{}

	response := s.upload(s.alice, map[string]string{"name": "picture"}, s.picture)
	s.Require().Equal(http.StatusCreated, response.Code, response.Body.String())

	images := s.list(s.alice)
	s.Require().Len(images, 1)
	s.Equal(storage.DerivationFailed, images[0].DerivationStatus)
	s.Empty(images[0].Links)
	s.Equal(1, storagetest.CountBlobs(s.T(), s.blobs), "only original is stored")
}

func (s *Suite) TestAsyncDerivation() {
	enqueuer := &recordingEnqueuer{}
	s.appCtx.Enqueuer = enqueuer
	s.appCtx.Config.DerivationAsync = true

	response := s.upload(s.alice, map[string]string{"name": "picture"}, s.picture)
	s.Require().Equal(http.StatusCreated, response.Code, response.Body.String())

	var created createImageResponse
	s.Require().NoError(json.Unmarshal(response.Body.Bytes(), &created))
	s.Equal(storage.DerivationPending, created.DerivationStatus)

	images := s.list(s.alice)
	s.Empty(images[0].Links)

	s.Require().Len(enqueuer.jobs, 1)
	job := enqueuer.jobs[0]
	s.Equal(DeriveTask, job.Name)
	s.Equal(created.ID, job.Args["image_id"])

	s.NoError(s.appCtx.DeriveJob(job))
	images = s.list(s.alice)
	s.Equal(storage.DerivationDone, images[0].DerivationStatus)
	s.Len(images[0].Links, 4)

	s.NoError(s.appCtx.DeriveJob(job), "repeated job is a no-op")
	s.Len(s.list(s.alice)[0].Links, 4)

	s.NoError(s.appCtx.DeriveJob(&work.Job{Name: DeriveTask, Args: map[string]interface{}{"image_id": "garbage"}}))
	s.Error(s.appCtx.DeriveJob(&work.Job{Name: DeriveTask, Args: map[string]interface{}{"image_id": uuid.New().String()}}))
}

func (s *Suite) uploadPending() uuid.UUID {
	s.appCtx.Enqueuer = &recordingEnqueuer{}
	s.appCtx.Config.DerivationAsync = true

	response := s.upload(s.alice, map[string]string{"name": "picture"}, s.picture)
	s.Require().Equal(http.StatusCreated, response.Code, response.Body.String())
	var created createImageResponse
	s.Require().NoError(json.Unmarshal(response.Body.Bytes(), &created))
	return uuid.MustParse(created.ID)
}

func (s *Suite) TestConcurrentDerivationOfOneImage() {
	imageID := s.uploadPending()
	resizer := &gatedResizer{
		GiftResizer: transformations.GiftResizer{Quality: 80},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	s.appCtx.Engine.Resizer = resizer

	var wg sync.WaitGroup
	var errs = make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = s.appCtx.ImageService.Derive(context.Background(), imageID)
	}()
	<-resizer.entered
	go func() {
		defer wg.Done()
		_, errs[1] = s.appCtx.ImageService.Derive(context.Background(), imageID)
	}()
	close(resizer.release)
	wg.Wait()

	s.NoError(errs[0])
	s.Error(errs[1])
	s.Contains([]error{DerivationInProgressError, ImageAlreadyDerivedError}, errs[1])

	links, err := s.appCtx.DB.FamilyLinks(imageID)
	s.NoError(err)
	s.Len(links, 4)
	thumbs, err := s.appCtx.DB.ListThumbnails(imageID)
	s.NoError(err)
	s.Len(thumbs, 2)
}

func (s *Suite) TestRunningDerivationIsNotRepeated() {
	imageID := s.uploadPending()

	claimed, err := s.appCtx.DB.ClaimDerivation(imageID, startOfTime, startOfTime)
	s.Require().NoError(err)
	s.Require().True(claimed)

	_, err = s.appCtx.ImageService.Derive(context.Background(), imageID)
	s.Equal(DerivationInProgressError, err)
	s.NoError(s.appCtx.DeriveJob(&work.Job{Name: DeriveTask, Args: map[string]interface{}{"image_id": imageID.String()}}))
	links, err := s.appCtx.DB.FamilyLinks(imageID)
	s.NoError(err)
	s.Empty(links)

	s.clock.Advance(s.appCtx.Config.DerivationStaleAfter + time.Second)
	res, err := s.appCtx.ImageService.Derive(context.Background(), imageID)
	s.Require().NoError(err, "abandoned claim is taken over")
	s.Len(res.Links, 4)
	s.Equal(storage.DerivationDone, s.list(s.alice)[0].DerivationStatus)
}

func (s *Suite) TestDerivationOutlivesRequest() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.appCtx.Engine.Resizer = &cancelingResizer{GiftResizer: transformations.GiftResizer{Quality: 80}, cancel: cancel}

	img, err := s.appCtx.ImageService.Upload(ctx, &UploadArgs{Owner: s.alice, Name: "picture", Image: s.picture})
	s.Require().NoError(err)
	s.Equal(storage.DerivationDone, img.DerivationStatus)

	links, err := s.appCtx.DB.FamilyLinks(img.ID)
	s.NoError(err)
	s.Len(links, 4)
}

func (s *Suite) TestJanitor() {
	s.Require().Equal(http.StatusCreated, s.upload(s.alice, map[string]string{"name": "picture"}, s.picture).Code)

	janitor := NewJanitor(s.appCtx.DB, time.Hour)
	janitor.clock = s.clock
	s.True(janitor.Enabled())

	s.clock.Advance(time.Hour)
	purged, err := janitor.Purge()
	s.NoError(err)
	s.Equal(int64(0), purged, "link expired less than retention ago")

	s.clock.Advance(301 * time.Second)
	purged, err = janitor.Purge()
	s.NoError(err)
	s.Equal(int64(1), purged)
	s.Len(s.list(s.alice)[0].Links, 3)

	s.False(NewJanitor(s.appCtx.DB, 0).Enabled())
	s.NoError(NewJanitor(s.appCtx.DB, 0).Start("@every 1h"))
}

func (s *Suite) TestHealth() {
	response := s.serve(httptest.NewRequest("GET", baseURL+"/healthz", nil), nil)
	s.Equal(http.StatusOK, response.Code)
	s.Contains(response.Body.String(), `"database":"ok"`)
}

func (s *Suite) TestMetricsRouter() {
	response := httptest.NewRecorder()
	s.server.MetricsRouter().ServeHTTP(response, httptest.NewRequest("GET", "/metrics", nil))
	s.Equal(http.StatusOK, response.Code)
	s.Contains(response.Body.String(), "planimg_")

	response = httptest.NewRecorder()
	s.server.MetricsRouter().ServeHTTP(response, httptest.NewRequest("POST", "/free", nil))
	s.Equal(http.StatusOK, response.Code)
}

func newFileUploadRequest(uri string, params map[string]string, paramName, filename string, content []byte) (*http.Request, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(paramName, filename)
	if err != nil {
		return nil, err
	}
	if _, err = part.Write(content); err != nil {
		return nil, err
	}

	for key, val := range params {
		_ = writer.WriteField(key, val)
	}
	err = writer.Close()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", uri, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}
