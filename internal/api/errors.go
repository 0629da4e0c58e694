package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ConnectivityError - запрос не получил HTTP-ответа (сервер недоступен, неверный адрес).
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: cannot reach server: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthError - 401/403. К моменту возврата сохранённый токен уже сброшен.
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
}

// ValidationError - прочие 4xx; Detail передаётся пользователю как есть.
type ValidationError struct {
	Op     string
	Status int
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

// ServerError - ответ 5xx.
type ServerError struct {
	Op     string
	Status int
	Detail string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error %d: %s", e.Op, e.Status, e.Detail)
}

func IsConnectivity(err error) bool {
	var e *ConnectivityError
	return errors.As(err, &e)
}

func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// Detail возвращает текст для показа пользователю рядом с полем ввода.
func Detail(err error) string {
	var v *ValidationError
	if errors.As(err, &v) && v.Detail != "" {
		return v.Detail
	}
	if IsConnectivity(err) {
		return "Cannot connect to server."
	}
	if IsAuth(err) {
		return "Session expired, please log in again."
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// outcome - метка ошибки для метрик.
func outcome(err error) string {
	var se *ServerError
	switch {
	case err == nil:
		return "ok"
	case IsConnectivity(err):
		return "connectivity"
	case IsAuth(err):
		return "auth"
	case IsValidation(err):
		return "validation"
	case errors.As(err, &se):
		return "server"
	}
	return "other"
}
