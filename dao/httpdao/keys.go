package httpdao

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Keys implements dao.GroupKeysDAO against an internal group-keys service.
type Keys struct {
	c client
}

// NewKeys constructs a Keys client rooted at baseURL.
func NewKeys(baseURL string, hc *http.Client) *Keys {
	return &Keys{c: newClient(baseURL, hc)}
}

type insertKeysRequest struct {
	Version uint64 `json:"version"`
	Mode    string `json:"mode"`
	Creator string `json:"creator"`
	Keys    string `json:"keys"` // base64
}

// Insert implements dao.GroupKeysDAO.
func (k *Keys) Insert(ctx context.Context, gid string, version uint64, mode, creator string, keys []byte) error {
	req := insertKeysRequest{Version: version, Mode: mode, Creator: creator, Keys: base64.StdEncoding.EncodeToString(keys)}
	if err := k.c.doJSON(ctx, http.MethodPost, "/internal/groupKeys/"+url.PathEscape(gid), req, nil); err != nil {
		return fmt.Errorf("httpdao: insert group keys for %s: %w", gid, err)
	}
	return nil
}

type latestVersionResponse struct {
	Version uint64 `json:"version"`
}

// LatestVersion implements dao.GroupKeysDAO.
func (k *Keys) LatestVersion(ctx context.Context, gid string) (uint64, error) {
	var out latestVersionResponse
	if err := k.c.doJSON(ctx, http.MethodGet, "/internal/groupKeys/"+url.PathEscape(gid)+"/latest", nil, &out); err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("httpdao: latest version for %s: %w", gid, err)
	}
	return out.Version, nil
}

type getKeysResponse struct {
	Mode    string `json:"mode"`
	Creator string `json:"creator"`
	Keys    string `json:"keys"` // base64
}

// Get implements dao.GroupKeysDAO.
func (k *Keys) Get(ctx context.Context, gid string, version uint64) (string, string, []byte, error) {
	var out getKeysResponse
	path := "/internal/groupKeys/" + url.PathEscape(gid) + "/" + strconv.FormatUint(version, 10)
	if err := k.c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", "", nil, fmt.Errorf("httpdao: get group keys %s/%d: %w", gid, version, err)
	}
	keys, err := base64.StdEncoding.DecodeString(out.Keys)
	if err != nil {
		return "", "", nil, fmt.Errorf("httpdao: decode group keys %s/%d: %w", gid, version, err)
	}
	return out.Mode, out.Creator, keys, nil
}
