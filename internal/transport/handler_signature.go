package transport

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/garage/internal/observability"
	"github.com/pitabwire/garage/internal/signing"
	"github.com/pitabwire/garage/model"
)

// SignatureRelay forwards status callbacks from the signing service to the
// runs waiting on them.
type SignatureRelay interface {
	Publish(u signing.Update) error
}

// handleSignatureEvent accepts a status callback from the signing service.
func handleSignatureEvent(relay SignatureRelay, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := observability.LoggerFrom(r.Context(), logger)

		var update signing.Update
		if err := decodeJSON(r, &update, false); err != nil {
			WriteError(w, err)
			return
		}

		if ce := log.Check(zap.DebugLevel, "signing: status callback"); ce != nil {
			ce.Write(zap.Any("payload", observability.RedactBody(map[string]any{
				"session_id":          update.SessionID,
				"status":              string(update.Status),
				"signed_document_url": update.SignedDocumentURL,
			})))
		}

		if err := relay.Publish(update); err != nil {
			log.Error("signing: relay status callback",
				zap.String("session_id", update.SessionID),
				zap.Error(err),
			)
			WriteError(w, model.NewInternalError())
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}
