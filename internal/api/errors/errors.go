// Пакет errors — ответы с ошибками HTTP API CDN.
// Единый формат тела: {"error": "<сообщение>"}.
// Сообщения — часть контракта с клиентами, причины ошибок в тело не попадают.
package errors //nolint:revive // пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"
)

// Сообщения, на которые опираются клиенты.
const (
	MsgAuthorizationRequired = "Authorization header required"
	MsgInvalidToken          = "Invalid or expired token"
	MsgFileNotFound          = "File not found"
	MsgInvalidSignature      = "Invalid or expired signature"
	MsgDatabaseError         = "Database error"
	MsgFetchFailed           = "Failed to fetch file"
	MsgInfected              = "File is infected with malware"
	MsgScanFailed            = "Virus scan failed"
	MsgNoFile                = "No file provided"
	MsgNoDimensions          = "At least one dimension (width or height) must be specified"
	MsgInternal              = "Internal server error"
)

// errorBody — тело ответа с ошибкой.
type errorBody struct {
	Error string `json:"error"`
}

// WriteError записывает ответ ошибки в формате {"error": message}.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, message)
}

// Forbidden — 403 нет доступа.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message)
}

// FileTooLarge — 413 файл превышает лимит.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message)
}

// ServiceUnavailable — 503 зависимость недоступна.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, message)
}
