package synapse

import (
	"strconv"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// PeerInfo is what we know about a peer we may not be connected to.
type PeerInfo struct {
	Name      string
	Addr      string
	KeyID     string
	Algorithm string
	PublicKey []byte
}

// directory indexes live connections and discovered peers by name, so
// they can be scanned by prefix.
//
// Both trees are immutable: readers grab the current root under the lock
// and walk it without holding it.
type directory struct {
	lk    sync.Mutex
	conns *iradix.Tree
	peers *iradix.Tree
	keys  map[*Conn][]byte
	seq   uint64
}

func newDirectory() *directory {
	return &directory{
		conns: iradix.New(),
		peers: iradix.New(),
		keys:  make(map[*Conn][]byte),
	}
}

// Several connections may exist with the same peer, keys are suffixed with
// an ordinal.
func (d *directory) addConn(name string, c *Conn) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.seq++
	key := []byte(name + "\x00" + strconv.FormatUint(d.seq, 10))
	d.keys[c] = key
	d.conns, _, _ = d.conns.Insert(key, c)
}

func (d *directory) removeConn(c *Conn) bool {
	d.lk.Lock()
	defer d.lk.Unlock()
	key, ok := d.keys[c]
	if !ok {
		return false
	}
	delete(d.keys, c)
	d.conns, _, _ = d.conns.Delete(key)
	return true
}

func (d *directory) connsWithPrefix(prefix string) []*Conn {
	d.lk.Lock()
	root := d.conns.Root()
	d.lk.Unlock()

	var found []*Conn
	root.WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		found = append(found, v.(*Conn))
		return false
	})
	return found
}

// learn records info and reports whether it differs from what we knew.
func (d *directory) learn(info PeerInfo) bool {
	d.lk.Lock()
	defer d.lk.Unlock()
	var old interface{}
	d.peers, old, _ = d.peers.Insert([]byte(info.Name), info)
	if old == nil {
		return true
	}
	prev := old.(PeerInfo)
	return prev.Addr != info.Addr || prev.KeyID != info.KeyID
}

func (d *directory) forget(name string) (PeerInfo, bool) {
	d.lk.Lock()
	defer d.lk.Unlock()
	var old interface{}
	d.peers, old, _ = d.peers.Delete([]byte(name))
	if old == nil {
		return PeerInfo{}, false
	}
	return old.(PeerInfo), true
}

func (d *directory) lookup(name string) (PeerInfo, bool) {
	d.lk.Lock()
	root := d.peers.Root()
	d.lk.Unlock()
	v, ok := root.Get([]byte(name))
	if !ok {
		return PeerInfo{}, false
	}
	return v.(PeerInfo), true
}

func (d *directory) peersWithPrefix(prefix string) []PeerInfo {
	d.lk.Lock()
	root := d.peers.Root()
	d.lk.Unlock()

	var found []PeerInfo
	root.WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		found = append(found, v.(PeerInfo))
		return false
	})
	return found
}
