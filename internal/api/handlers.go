// Package api provides HTTP handlers for ListHit endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/joshuapaschall/listhit/internal/models"
	"github.com/joshuapaschall/listhit/internal/sendfault"
	"github.com/joshuapaschall/listhit/internal/sms"
)

// createCampaignRequest is the POST /api/campaigns payload.
type createCampaignRequest struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// dispatchCampaignRequest is the POST /api/campaigns/{id}/dispatch payload.
type dispatchCampaignRequest struct {
	Contacts []models.Contact `json:"contacts"`
}

func (s *Server) createCampaignHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createCampaignHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Name == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: name"))
		return
	}
	if req.Channel != "email" && req.Channel != "sms" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Channel must be email or sms"))
		return
	}
	if req.Channel == "email" && req.Subject == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: subject"))
		return
	}
	if req.Body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}

	campaign := &models.Campaign{
		Name:    req.Name,
		Channel: req.Channel,
		Subject: req.Subject,
		Body:    req.Body,
	}
	if err := s.store.CreateCampaign(campaign); err != nil {
		slog.Error("Server.createCampaignHandler: failed to create campaign", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create campaign"))
		return
	}

	slog.Info("Server.createCampaignHandler: campaign created", "campaignID", campaign.ID, "channel", campaign.Channel)
	writeJSONResponse(w, http.StatusCreated, models.Success(campaign))
}

func (s *Server) getCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	campaign, err := s.store.GetCampaign(id)
	if err != nil {
		slog.Error("Server.getCampaignHandler: failed to load campaign", "campaignID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load campaign"))
		return
	}
	if campaign == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
		return
	}

	stats, err := s.store.CampaignJobStats(id)
	if err != nil {
		slog.Error("Server.getCampaignHandler: failed to load job stats", "campaignID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load campaign stats"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"campaign":  campaign,
		"job_stats": stats,
	}))
}

func (s *Server) dispatchCampaignHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id := chi.URLParam(r, "id")
	campaign, err := s.store.GetCampaign(id)
	if err != nil {
		slog.Error("Server.dispatchCampaignHandler: failed to load campaign", "campaignID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load campaign"))
		return
	}
	if campaign == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
		return
	}

	var req dispatchCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.dispatchCampaignHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if len(req.Contacts) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: contacts"))
		return
	}

	switch campaign.Channel {
	case "email":
		result, err := s.scheduler.Schedule(r.Context(), campaign, req.Contacts)
		if err != nil {
			slog.Error("Server.dispatchCampaignHandler: scheduling failed", "campaignID", id, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to schedule campaign"))
			return
		}
		slog.Info("Server.dispatchCampaignHandler: email campaign scheduled",
			"campaignID", id, "jobsCreated", result.JobsCreated, "skipped", result.Skipped)
		writeJSONResponse(w, http.StatusOK, models.Scheduled(result))

	case "sms":
		all := make(map[string][]sms.SendResult, len(req.Contacts))
		for _, ct := range req.Contacts {
			if ct.Phone == "" {
				continue
			}
			results, err := s.dispatcher.Send(r.Context(), sms.SendRequest{
				ContactID:  ct.ID,
				Numbers:    []string{ct.Phone},
				Body:       campaign.Body,
				CampaignID: campaign.ID,
			})
			if err != nil {
				slog.Error("Server.dispatchCampaignHandler: SMS dispatch aborted",
					"campaignID", id, "contactID", ct.ID, "error", err)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to dispatch campaign"))
				return
			}
			all[ct.ID] = results
		}
		slog.Info("Server.dispatchCampaignHandler: SMS campaign dispatched", "campaignID", id, "contacts", len(all))
		writeJSONResponse(w, http.StatusOK, models.Success(all))

	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Campaign has no dispatchable channel"))
	}
}

func (s *Server) processQueueHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		limit = parsed
	}

	result, err := s.worker.ProcessQueue(r.Context(), limit)
	if err != nil {
		slog.Error("Server.processQueueHandler: queue processing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process queue"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) sendSMSHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req sms.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendSMSHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	results, err := s.dispatcher.Send(r.Context(), req)
	if err != nil {
		var vErr *sendfault.ValidationError
		if errors.As(err, &vErr) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.sendSMSHandler: dispatch failed", "contactID", req.ContactID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to dispatch message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(results))
}
