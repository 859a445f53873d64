package caller

import "errors"

// Ошибки операций контроллера. Внутренние сбои регистрации и транспорта
// сюда не попадают: они поглощаются циклом переподключения и видны
// вызывающей стороне только как затянувшийся ErrSignalingUnavailable.
var (
	// ErrNotAuthenticated - учетная запись не сконфигурирована
	ErrNotAuthenticated = errors.New("требуется вход в учетную запись")
	// ErrInvalidAddress - после нормализации осталось меньше трех цифр
	ErrInvalidAddress = errors.New("недопустимый адрес вызова")
	// ErrCallInProgress - уже есть активный вызов
	ErrCallInProgress = errors.New("вызов уже выполняется")
	// ErrSignalingUnavailable - размещение исчерпало повторы без регистрации
	ErrSignalingUnavailable = errors.New("сигнальный сервер недоступен")
)

// errNotRegistered внутренний признак того, что попытку размещения
// можно повторить по таблице задержек
var errNotRegistered = errors.New("регистрация не подтверждена")
