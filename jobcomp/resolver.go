package jobcomp

import (
	"os/user"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
)

// UnknownName is reported for ids without a passwd or group entry.
const UnknownName = "Unknown"

// NameResolver maps numeric user and group ids to names.
type NameResolver interface {
	UserName(uid uint32) string
	GroupName(gid uint32) string
}

// CachedResolver looks names up in the system databases and keeps recent
// answers, including failures, in an LRU.
type CachedResolver struct {
	users  *lru.Cache
	groups *lru.Cache

	lookupUser  func(uid string) (string, error)
	lookupGroup func(gid string) (string, error)
}

// NewCachedResolver keeps up to size users and size groups.
func NewCachedResolver(size int) (*CachedResolver, error) {
	if size <= 0 {
		size = 256
	}
	users, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	groups, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedResolver{
		users:  users,
		groups: groups,
		lookupUser: func(uid string) (string, error) {
			u, err := user.LookupId(uid)
			if err != nil {
				return "", err
			}
			return u.Username, nil
		},
		lookupGroup: func(gid string) (string, error) {
			g, err := user.LookupGroupId(gid)
			if err != nil {
				return "", err
			}
			return g.Name, nil
		},
	}, nil
}

func (r *CachedResolver) UserName(uid uint32) string {
	return cached(r.users, uid, r.lookupUser)
}

func (r *CachedResolver) GroupName(gid uint32) string {
	return cached(r.groups, gid, r.lookupGroup)
}

func cached(c *lru.Cache, id uint32, lookup func(string) (string, error)) string {
	if v, ok := c.Get(id); ok {
		return v.(string)
	}
	name, err := lookup(strconv.FormatUint(uint64(id), 10))
	if err != nil || name == "" {
		name = UnknownName
	}
	c.Add(id, name)
	return name
}
