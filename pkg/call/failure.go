package call

import (
	"fmt"
	"strings"

	"github.com/arzzra/sip_caller/pkg/transport"
)

// Failure нормализованный итог неуспешного вызова для показа пользователю
type Failure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusMessages тексты для значимых SIP кодов ответа
var statusMessages = map[int]string{
	100: "Попытка соединения",
	180: "Идет вызов",
	183: "Соединение устанавливается",
	200: "Успешно",
	400: "Неверный запрос",
	401: "Требуется авторизация",
	403: "Отказано",
	404: "Абонент не найден",
	408: "Время ожидания истекло",
	480: "Абонент временно недоступен",
	486: "Абонент занят",
	487: "Вызов отменен",
	488: "Неприемлемые параметры вызова",
	500: "Ошибка сервера",
	503: "Сервис недоступен",
	600: "Занято везде",
	603: "Вызов отклонен",
}

// StatusMessage возвращает текст для SIP кода ответа
func StatusMessage(code int) string {
	if msg, ok := statusMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("Ошибка вызова (код %d)", code)
}

// NormalizeFailure выводит нормализованный итог из причины завершения.
// Приоритет: явный код ответа, затем ключевое слово причины, иначе
// неклассифицированный итог с нулевым кодом.
func NormalizeFailure(status int, cause string) Failure {
	code := status
	if code == 0 {
		switch strings.ToUpper(cause) {
		case transport.CauseCanceled:
			code = 487
		case transport.CauseNoAnswer:
			code = 408
		case transport.CauseBusy:
			code = 486
		}
	}
	if code == 0 {
		return Failure{Message: "Вызов завершился ошибкой"}
	}
	return Failure{Code: code, Message: StatusMessage(code)}
}
