package domain

import "errors"

var (
	ErrVerification     = errors.New("webhook verification failed")
	ErrRemoteFetch      = errors.New("remote fetch failed")
	ErrRemoteWrite      = errors.New("remote write failed")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrParse            = errors.New("parse failed")
)
