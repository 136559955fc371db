package planimg

import (
	"encoding/json"
	"net/http"

	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/rs/zerolog/log"
)

type detailResponse struct {
	Detail string `json:"detail"`
}

type createImageResponse struct {
	ID                          string `json:"id"`
	Name                        string `json:"name"`
	ExpiringLinkDurationSeconds *uint  `json:"expiringLinkDurationSeconds"`
	DerivationStatus            string `json:"derivationStatus"`
}

type linkResponse struct {
	URI    string  `json:"uri"`
	Expiry *string `json:"expiry"`
}

type imageResponse struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	DerivationStatus string         `json:"derivationStatus"`
	Links            []linkResponse `json:"links"`
}

// ExpiryFormat - how link expiry is written in responses
const ExpiryFormat = "2006-01-02T15:04:05.000000Z07:00"

func makeImagePayload(family ImageFamily) imageResponse {
	var resp = imageResponse{
		ID:               family.Image.ID.String(),
		Name:             family.Image.Name,
		DerivationStatus: family.Image.DerivationStatus,
		Links:            make([]linkResponse, 0, len(family.Links)),
	}
	for _, l := range family.Links {
		var link = linkResponse{URI: l.URI}
		if l.Expiry != nil {
			expiry := l.Expiry.UTC().Format(ExpiryFormat)
			link.Expiry = &expiry
		}
		resp.Links = append(resp.Links, link)
	}
	return resp
}

func makeCreatePayload(img *storage.Image) createImageResponse {
	return createImageResponse{
		ID:                          img.ID.String(),
		Name:                        img.Name,
		ExpiringLinkDurationSeconds: img.ExpiringLinkDurationSeconds,
		DerivationStatus:            img.DerivationStatus,
	}
}

func failOnError(w http.ResponseWriter, err error, logMessage string, code int) (failed bool) {
	if err != nil {
		if logMessage != "" {
			log.Error().Err(err).Msg(logMessage)
		}
		if verr, ok := err.(*storage.ValidationError); ok {
			respondWithFieldError(w, verr)
			return true
		}
		if code >= http.StatusInternalServerError {
			respondWithDetail(w, "A server error occurred.", code)
		} else {
			respondWithDetail(w, err.Error(), code)
		}
		return true
	}
	return false
}

func respondWithDetail(w http.ResponseWriter, detail string, code int) error {
	return respondWithJSON(w, detailResponse{Detail: detail}, code)
}

func respondWithFieldError(w http.ResponseWriter, verr *storage.ValidationError) error {
	return respondWithJSON(w, map[string][]string{verr.Field: {verr.Message}}, http.StatusBadRequest)
}

func respondWithJSON(w http.ResponseWriter, payload interface{}, code int) error {
	jsonResponse, merror := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")

	if merror != nil {
		log.Error().Err(merror).Interface("payload", payload).Msg("failed to marshal response")
		http.Error(w, "Failed to construct response", http.StatusInternalServerError)
		return merror
	}

	w.WriteHeader(code)
	_, herr := w.Write(jsonResponse)
	return herr
}
