package vnet

import "github.com/vnetkit/virtio-net-go/hwring"

// cookieTable maps hwring.Cookie values to the *TxReq they were
// published with. It is only ever touched by whichever goroutine
// currently holds the TX engine's RUNNING flag, so it needs no locking
// of its own.
type cookieTable struct {
	next uint64
	live map[hwring.Cookie]*TxReq
}

func newCookieTable() *cookieTable {
	return &cookieTable{live: make(map[hwring.Cookie]*TxReq)}
}

func (t *cookieTable) put(req *TxReq) hwring.Cookie {
	t.next++
	c := hwring.Cookie(t.next)
	t.live[c] = req
	return c
}

func (t *cookieTable) take(c hwring.Cookie) (*TxReq, bool) {
	req, ok := t.live[c]
	if ok {
		delete(t.live, c)
	}
	return req, ok
}
