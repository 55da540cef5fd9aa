package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/qrfoundry/qrfoundry/internal/qrerr"
	"github.com/qrfoundry/qrfoundry/internal/qrops"
	"github.com/sirupsen/logrus"
)

// Roles accepted for the generation endpoints, as answered by the fronting
// authorization service.
var generatorRoles = []string{"System Manager", "QR Manager"}

type GenerationHandler struct {
	log      *logrus.Entry
	ops      *qrops.Service
	identity IdentityFn
}

func NewGenerationHandler(logger *logrus.Logger, ops *qrops.Service, identity IdentityFn) *GenerationHandler {
	if identity == nil {
		identity = AnonymousIdentity
	}
	return &GenerationHandler{
		log:      logger.WithField("component", "generation"),
		ops:      ops,
		identity: identity,
	}
}

func (h *GenerationHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	listID, ok := h.listID(w, r)
	if !ok {
		return
	}

	result, err := h.ops.Generate(r.Context(), listID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *GenerationHandler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	listID, ok := h.listID(w, r)
	if !ok {
		return
	}

	dataURI, err := h.ops.Preview(r.Context(), listID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data_uri": dataURI})
}

func (h *GenerationHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	listID, ok := h.listID(w, r)
	if !ok {
		return
	}

	result, err := h.ops.Rotate(r.Context(), listID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *GenerationHandler) HandleGenerateForDocument(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	vars := mux.Vars(r)

	result, err := h.ops.GenerateForDocument(r.Context(), vars["doctype"], vars["name"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *GenerationHandler) HandleDeleteList(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	listID, ok := h.listID(w, r)
	if !ok {
		return
	}

	if err := h.ops.DeleteList(r.Context(), listID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GenerationHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	caller := h.identity(r)
	if caller.HasAnyRole(generatorRoles...) {
		return true
	}
	writeJSON(w, http.StatusForbidden, map[string]string{
		"code":    "not_permitted",
		"message": "Not permitted to generate QR codes.",
	})
	return false
}

func (h *GenerationHandler) listID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    "invalid_id",
			"message": "Invalid QR List identifier.",
		})
		return 0, false
	}
	return uint(id), true
}

func (h *GenerationHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	message := "Internal error."

	if e, ok := qrerr.As(err); ok {
		code, message = e.Code, e.Message
		switch e.Kind {
		case qrerr.KindValidation:
			status = http.StatusBadRequest
		case qrerr.KindNotFound:
			status = http.StatusNotFound
		case qrerr.KindPermission:
			status = http.StatusForbidden
		case qrerr.KindStateConflict:
			status = http.StatusConflict
		case qrerr.KindPolicy:
			status = http.StatusUnprocessableEntity
		}
	} else {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("Generation request failed")
	}

	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
