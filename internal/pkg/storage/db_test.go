package storage_test

import (
	"testing"
	"time"

	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/KazanExpress/planimg/internal/pkg/storage/storagetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

type Suite struct {
	suite.Suite
	db   *storage.DB
	user *storage.User
}

func (s *Suite) SetupTest() {
	s.db = storagetest.NewDB(s.T())
	storagetest.MustCreatePlan(s.T(), s.db, "Basic",
		storage.SpecificationDefinition{Width: 200, Height: 200, Link: true})
	s.user = storagetest.MustCreateUser(s.T(), s.db, "owner", "Basic")
}

func TestStorageSuite(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) addImage(parent *storage.Image) *storage.Image {
	var img = &storage.Image{
		ID:               uuid.New(),
		Name:             "picture",
		OwnerID:          s.user.ID,
		BlobKey:          storage.MakeBlobKey(s.user.ID, "jpg"),
		DerivationStatus: storage.DerivationPending,
	}
	if parent != nil {
		img.ParentImageID = &parent.ID
		img.DerivationStatus = ""
	}
	s.Require().NoError(s.db.CreateImage(img))
	return img
}

func (s *Suite) addLink(img *storage.Image, ordinal int, expiry *time.Time) *storage.Link {
	var id = uuid.New()
	var link = &storage.Link{
		ID:      id,
		URI:     "http://localhost:8000/api/images/links/" + id.String(),
		ImageID: img.ID,
		Ordinal: ordinal,
		Expiry:  expiry,
	}
	s.Require().NoError(s.db.Create(link).Error)
	return link
}

func (s *Suite) TestQueryImage() {
	img := s.addImage(nil)

	found, err := s.db.QueryImage(img.ID)
	s.NoError(err)
	s.Equal(img.Name, found.Name)
	s.True(found.IsOriginal())

	_, err = s.db.QueryImage(uuid.New())
	s.Equal(storage.ImageNotFoundError, err)
}

func (s *Suite) TestListOriginalsSkipsThumbnails() {
	original := s.addImage(nil)
	s.addImage(original)

	other := storagetest.MustCreateUser(s.T(), s.db, "other", "Basic")
	s.Require().NoError(s.db.CreateImage(&storage.Image{
		ID:      uuid.New(),
		Name:    "foreign",
		OwnerID: other.ID,
		BlobKey: storage.MakeBlobKey(other.ID, "jpg"),
	}))

	images, err := s.db.ListOriginals(s.user.ID)
	s.NoError(err)
	s.Len(images, 1)
	s.Equal(original.ID, images[0].ID)
}

func (s *Suite) TestFamilyLinks() {
	original := s.addImage(nil)
	thumb := s.addImage(original)
	unrelated := s.addImage(nil)

	first := s.addLink(thumb, 0, nil)
	second := s.addLink(original, 1, nil)
	s.addLink(unrelated, 0, nil)

	links, err := s.db.FamilyLinks(original.ID)
	s.NoError(err)
	s.Len(links, 2)

	var ids = map[uuid.UUID]bool{}
	for _, l := range links {
		ids[l.ID] = true
	}
	s.True(ids[first.ID])
	s.True(ids[second.ID])
}

func (s *Suite) TestQueryLink() {
	img := s.addImage(nil)
	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	link := s.addLink(img, 0, &expiry)

	found, err := s.db.QueryLink(link.ID)
	s.NoError(err)
	s.Equal(link.URI, found.URI)
	s.Require().NotNil(found.Expiry)
	s.True(expiry.Equal(*found.Expiry))

	_, err = s.db.QueryLink(uuid.New())
	s.Equal(storage.LinkNotFoundError, err)
}

func (s *Suite) TestDeleteImageCascades() {
	original := s.addImage(nil)
	thumb := s.addImage(original)
	s.addLink(original, 0, nil)
	thumbLink := s.addLink(thumb, 1, nil)

	keys, err := s.db.DeleteImage(original.ID)
	s.NoError(err)
	s.ElementsMatch([]string{original.BlobKey, thumb.BlobKey}, keys)

	_, err = s.db.QueryImage(thumb.ID)
	s.Equal(storage.ImageNotFoundError, err)
	_, err = s.db.QueryLink(thumbLink.ID)
	s.Equal(storage.LinkNotFoundError, err)

	links, err := s.db.FamilyLinks(original.ID)
	s.NoError(err)
	s.Empty(links)
}

func (s *Suite) TestSetDerivationStatus() {
	original := s.addImage(nil)
	thumb := s.addImage(original)

	s.NoError(s.db.SetDerivationStatus(original.ID, storage.DerivationDone))
	found, err := s.db.QueryImage(original.ID)
	s.NoError(err)
	s.Equal(storage.DerivationDone, found.DerivationStatus)

	s.Equal(storage.ImageNotFoundError, s.db.SetDerivationStatus(thumb.ID, storage.DerivationDone))
}

func (s *Suite) TestClaimDerivation() {
	now := time.Now().UTC()
	original := s.addImage(nil)

	claimed, err := s.db.ClaimDerivation(original.ID, now, now.Add(-time.Hour))
	s.NoError(err)
	s.True(claimed)

	found, err := s.db.QueryImage(original.ID)
	s.Require().NoError(err)
	s.Equal(storage.DerivationRunning, found.DerivationStatus)
	s.Require().NotNil(found.DerivationStartedAt)

	claimed, err = s.db.ClaimDerivation(original.ID, now, now.Add(-time.Hour))
	s.NoError(err)
	s.False(claimed, "running image is held by the first claim")

	claimed, err = s.db.ClaimDerivation(original.ID, now.Add(2*time.Hour), now.Add(time.Hour))
	s.NoError(err)
	s.True(claimed, "stale claim is taken over")

	s.Require().NoError(s.db.SetDerivationStatus(original.ID, storage.DerivationFailed))
	claimed, err = s.db.ClaimDerivation(original.ID, now, now.Add(-time.Hour))
	s.NoError(err)
	s.True(claimed, "failed image is claimed again")

	s.Require().NoError(s.db.SetDerivationStatus(original.ID, storage.DerivationDone))
	claimed, err = s.db.ClaimDerivation(original.ID, now, now.Add(time.Hour))
	s.NoError(err)
	s.False(claimed, "done image is never claimed")

	thumb := s.addImage(original)
	claimed, err = s.db.ClaimDerivation(thumb.ID, now, now)
	s.NoError(err)
	s.False(claimed)

	claimed, err = s.db.ClaimDerivation(uuid.New(), now, now)
	s.NoError(err)
	s.False(claimed)
}

func (s *Suite) TestListRederivable() {
	now := time.Now().UTC()
	pending := s.addImage(nil)
	failed := s.addImage(nil)
	s.Require().NoError(s.db.SetDerivationStatus(failed.ID, storage.DerivationFailed))
	done := s.addImage(nil)
	s.Require().NoError(s.db.SetDerivationStatus(done.ID, storage.DerivationDone))
	running := s.addImage(nil)
	claimed, err := s.db.ClaimDerivation(running.ID, now, now)
	s.Require().NoError(err)
	s.Require().True(claimed)
	s.addImage(pending)

	ids := func(images []storage.Image) []uuid.UUID {
		var res []uuid.UUID
		for _, img := range images {
			res = append(res, img.ID)
		}
		return res
	}

	images, err := s.db.ListRederivable(now.Add(-time.Hour), now.Add(-time.Hour), 0, 10)
	s.NoError(err)
	s.Equal([]uuid.UUID{failed.ID}, ids(images), "recent pending and fresh running are left alone")

	images, err = s.db.ListRederivable(now.Add(time.Hour), now.Add(time.Hour), 0, 10)
	s.NoError(err)
	s.ElementsMatch([]uuid.UUID{pending.ID, failed.ID, running.ID}, ids(images))

	images, err = s.db.ListRederivable(now.Add(time.Hour), now.Add(time.Hour), 1, 1)
	s.NoError(err)
	s.Len(images, 1)
}

func (s *Suite) TestPurgeLinksExpiredBefore() {
	img := s.addImage(nil)
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	fresh := now.Add(time.Hour)

	permanent := s.addLink(img, 0, nil)
	stale := s.addLink(img, 1, &old)
	alive := s.addLink(img, 2, &fresh)

	purged, err := s.db.PurgeLinksExpiredBefore(now.Add(-24 * time.Hour))
	s.NoError(err)
	s.Equal(int64(1), purged)

	_, err = s.db.QueryLink(stale.ID)
	s.Equal(storage.LinkNotFoundError, err)
	_, err = s.db.QueryLink(permanent.ID)
	s.NoError(err)
	_, err = s.db.QueryLink(alive.ID)
	s.NoError(err)
}

func (s *Suite) TestUsers() {
	_, err := s.db.CreateUser("owner", "dup@example.com", "")
	s.Equal(storage.UsernameTakenError, err)

	_, err = s.db.CreateUser("nobody", "", "Missing")
	s.Equal(storage.PlanNotFoundError, err)

	user, err := s.db.CreateUser("planless", "", "")
	s.NoError(err)
	s.Nil(user.PlanID)

	s.NoError(s.db.AssignPlan(user.ID, "Basic"))
	found, err := s.db.QueryUserByUsername("planless")
	s.NoError(err)
	s.NotNil(found.PlanID)

	s.NoError(s.db.AssignPlan(user.ID, ""))
	found, err = s.db.QueryUser(user.ID)
	s.NoError(err)
	s.Nil(found.PlanID)

	s.Equal(storage.UserNotFoundError, s.db.AssignPlan(uuid.New(), "Basic"))
}
