package handshake

import "sync"

// Registry holds one Conversation per peer for a logged-in user.
type Registry struct {
	local string
	out   FrameWriter
	opts  Options

	mu    sync.Mutex
	convs map[string]*Conversation
}

func NewRegistry(local string, out FrameWriter, opts Options) *Registry {
	return &Registry{
		local: local,
		out:   out,
		opts:  opts,
		convs: make(map[string]*Conversation),
	}
}

// Get returns the conversation with peer, creating it on first use.
func (r *Registry) Get(peer string) *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[peer]
	if !ok {
		c = NewConversation(r.local, peer, r.out, r.opts)
		r.convs[peer] = c
	}
	return c
}

// Lookup is Get without creation.
func (r *Registry) Lookup(peer string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[peer]
	return c, ok
}

func (r *Registry) Remove(peer string) {
	r.mu.Lock()
	c, ok := r.convs[peer]
	delete(r.convs, peer)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	convs := r.convs
	r.convs = make(map[string]*Conversation)
	r.mu.Unlock()
	for _, c := range convs {
		c.Close()
	}
}
