package httpdao

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bcmapp/groupdispatch/dao"
	"github.com/bcmapp/groupdispatch/wire"
)

// Groups implements dao.GroupUsersDAO against an internal group service.
type Groups struct {
	c client
}

// NewGroups constructs a Groups client rooted at baseURL.
func NewGroups(baseURL string, hc *http.Client) *Groups {
	return &Groups{c: newClient(baseURL, hc)}
}

type joinedGroupDTO struct {
	GID  string         `json:"gid"`
	Role wire.GroupRole `json:"role"`
}

type getJoinedGroupsResponse struct {
	Groups []joinedGroupDTO `json:"groups"`
}

// GetJoinedGroupsList implements dao.GroupUsersDAO.
func (g *Groups) GetJoinedGroupsList(ctx context.Context, uid string) ([]dao.JoinedGroup, error) {
	var out getJoinedGroupsResponse
	if err := g.c.doJSON(ctx, http.MethodGet, "/internal/groups/joined/"+url.PathEscape(uid), nil, &out); err != nil {
		return nil, fmt.Errorf("httpdao: get joined groups for %s: %w", uid, err)
	}
	result := make([]dao.JoinedGroup, len(out.Groups))
	for i, j := range out.Groups {
		result[i] = dao.JoinedGroup{GID: j.GID, Role: j.Role}
	}
	return result, nil
}

type groupMemberDTO struct {
	UID   string         `json:"uid"`
	Role  wire.GroupRole `json:"role"`
	Muted bool           `json:"muted"`
}

type getGroupMembersResponse struct {
	Members []groupMemberDTO `json:"members"`
}

// GetGroupMembers implements dao.GroupUsersDAO.
func (g *Groups) GetGroupMembers(ctx context.Context, gid string) ([]dao.GroupMember, error) {
	var out getGroupMembersResponse
	if err := g.c.doJSON(ctx, http.MethodGet, "/internal/groups/"+url.PathEscape(gid)+"/members", nil, &out); err != nil {
		return nil, fmt.Errorf("httpdao: get members of %s: %w", gid, err)
	}
	result := make([]dao.GroupMember, len(out.Members))
	for i, m := range out.Members {
		result[i] = dao.GroupMember{UID: m.UID, Role: m.Role, Muted: m.Muted}
	}
	return result, nil
}

type isMemberResponse struct {
	IsMember bool `json:"isMember"`
}

// IsMember implements dao.GroupUsersDAO.
func (g *Groups) IsMember(ctx context.Context, gid, uid string) (bool, error) {
	var out isMemberResponse
	path := "/internal/groups/" + url.PathEscape(gid) + "/members/" + url.PathEscape(uid)
	if err := g.c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("httpdao: check membership %s/%s: %w", gid, uid, err)
	}
	return out.IsMember, nil
}
