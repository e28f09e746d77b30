package lti

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// DeepLinkHandler accepts the picker's selection and answers with the
// auto-submitting return form carrying the signed response JWT.
//
// Request body (POST, application/json):
//
//	{
//	  "session_token": "...",
//	  "items": [ {"type":"topic","title":"...","topic_slug":"mathe-1"}, ... ]
//	}
type DeepLinkHandler struct {
	Sessions  *SessionManager
	Platforms PlatformRegistry
	Responder *Responder
}

type deepLinkSubmission struct {
	SessionToken string         `json:"session_token"`
	Items        []DeepLinkItem `json:"items"`
}

func (h *DeepLinkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req deepLinkSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	session, err := h.Sessions.GetByToken(r.Context(), req.SessionToken)
	if err != nil {
		if kind, ok := KindOf(err); ok {
			http.Error(w, "session expired or missing", kind.HTTPStatus())
			return
		}
		http.Error(w, "deep linking failed", http.StatusInternalServerError)
		return
	}
	claims := session.Claims
	if !claims.IsDeepLinkingRequest() || claims.DeepLinkReturnURL == "" {
		http.Error(w, "session is not a deep linking request", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "no items selected", http.StatusBadRequest)
		return
	}

	platform, err := h.Platforms.FindByIssuerAndClient(r.Context(), claims.Issuer, claims.Audience)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) || errors.Is(err, ErrPlatformAmbiguous) {
			http.Error(w, "platform no longer registered", http.StatusForbidden)
			return
		}
		http.Error(w, "deep linking failed", http.StatusInternalServerError)
		return
	}

	signed, err := h.Responder.BuildResponse(r.Context(), platform, claims, req.Items)
	if err != nil {
		log.Printf("lti deep link: build response: %v", err)
		if errors.Is(err, ErrInvalidSelection) {
			http.Error(w, "invalid selection", http.StatusBadRequest)
			return
		}
		// Key storage or signing trouble is on us, not the caller.
		http.Error(w, "deep linking failed", http.StatusInternalServerError)
		return
	}
	if err := WriteReturnForm(w, claims.DeepLinkReturnURL, signed); err != nil {
		log.Printf("lti deep link: return form: %v", err)
	}
}
