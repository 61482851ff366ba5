package sftpclient

import "reflect"

// teardown closes ch and its owning session. When no channel was acquired
// sess is closed instead. Errors are logged and swallowed; nil, closed and
// half-built values are all accepted.
func teardown(log Logger, ch Channel, sess Session) {
	if log == nil {
		log = nopLogger()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("teardown panicked: %v", r)
		}
	}()

	if !isNil(ch) {
		if owner := ch.Session(); !isNil(owner) {
			sess = owner
		}

		switch {
		case ch.IsConnected():
			if err := ch.Disconnect(); err != nil {
				log.Warnf("failed to disconnect channel: %v", err)
			}
		case ch.IsClosed():
			log.Debugf("channel is closed already")
		}
	}

	if !isNil(sess) && sess.IsConnected() {
		if err := sess.Disconnect(); err != nil {
			log.Warnf("failed to disconnect session: %v", err)
		}
	}

	log.Debugf("disconnected sftp connection")
}

// isNil also catches typed nil pointers stored in an interface.
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
