package server

// Directory maps usernames to their live connection. It is owned by the hub
// goroutine and has no locking of its own.
type Directory struct {
	byName map[string]*client
}

func NewDirectory() *Directory {
	return &Directory{byName: make(map[string]*client)}
}

// Bind maps username to c and returns the connection it replaced, if any.
func (d *Directory) Bind(username string, c *client) *client {
	prior := d.byName[username]
	d.byName[username] = c
	if prior == c {
		return nil
	}
	return prior
}

// Unbind removes username only while it still points at c, so a stale
// connection closing cannot evict a newer login.
func (d *Directory) Unbind(username string, c *client) bool {
	if cur, ok := d.byName[username]; ok && cur == c {
		delete(d.byName, username)
		return true
	}
	return false
}

// Remove drops username regardless of which connection holds it.
func (d *Directory) Remove(username string) *client {
	c, ok := d.byName[username]
	if !ok {
		return nil
	}
	delete(d.byName, username)
	return c
}

func (d *Directory) Lookup(username string) (*client, bool) {
	c, ok := d.byName[username]
	return c, ok
}

func (d *Directory) Len() int { return len(d.byName) }
