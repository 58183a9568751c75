// Пакет handlers — HTTP-обработчики CDN.
// Бизнес-логика — в internal/service, здесь только разбор запроса,
// отображение ошибок сервисов на ответы API и сериализация.
package handlers

import (
	"encoding/json"
	"net/http"
)

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
