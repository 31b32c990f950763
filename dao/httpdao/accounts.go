package httpdao

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bcmapp/groupdispatch/dao"
)

// accountDeviceDTO mirrors one device row of GET /internal/accounts/{uid}.
type accountDeviceDTO struct {
	ID             uint32 `json:"id"`
	SignalingKey   string `json:"signalingKey"`
	RegistrationID uint32 `json:"registrationId"`
	APNSID         string `json:"apnsId"`
	APNSType       string `json:"apnsType"`
	VoipApnID      string `json:"voipApnId"`
	FCMID          string `json:"fcmId"`
	UmengID        string `json:"umengId"`
	OSType         string `json:"osType"`
	OSVersion      string `json:"osVersion"`
	PhoneModel     string `json:"phoneModel"`
	BCMBuildCode   int    `json:"bcmBuildCode"`
	Pushable       bool   `json:"pushable"`
}

// accountDTO mirrors GET /internal/accounts/{uid}.
type accountDTO struct {
	UID     string             `json:"uid"`
	State   int                `json:"state"`
	Devices []accountDeviceDTO `json:"devices"`
}

func (d accountDTO) toAccount() dao.Account {
	devices := make([]dao.Device, len(d.Devices))
	for i, dev := range d.Devices {
		devices[i] = dao.Device{
			ID:             dev.ID,
			SignalingKey:   dev.SignalingKey,
			RegistrationID: dev.RegistrationID,
			APNSID:         dev.APNSID,
			APNSType:       dev.APNSType,
			VoipApnID:      dev.VoipApnID,
			FCMID:          dev.FCMID,
			UmengID:        dev.UmengID,
			OSType:         dev.OSType,
			OSVersion:      dev.OSVersion,
			PhoneModel:     dev.PhoneModel,
			ClientVersion:  dao.ClientVersion{OSType: dev.OSType, BCMBuildCode: dev.BCMBuildCode},
			Pushable:       dev.Pushable,
		}
	}
	return dao.Account{UID: d.UID, State: dao.AccountState(d.State), Devices: devices}
}

// Accounts implements dao.AccountsDAO against an internal account service.
type Accounts struct {
	c client
}

// NewAccounts constructs an Accounts client rooted at baseURL, using hc (or
// a default 5-second-timeout client if nil).
func NewAccounts(baseURL string, hc *http.Client) *Accounts {
	return &Accounts{c: newClient(baseURL, hc)}
}

// GetAccount implements dao.AccountsDAO.
func (a *Accounts) GetAccount(ctx context.Context, uid string) (dao.Account, error) {
	var out accountDTO
	if err := a.c.doJSON(ctx, http.MethodGet, "/internal/accounts/"+url.PathEscape(uid), nil, &out); err != nil {
		return dao.Account{}, fmt.Errorf("httpdao: get account %s: %w", uid, err)
	}
	return out.toAccount(), nil
}

// getAccountsRequest is the body of POST /internal/accounts/batch (spec.md
// §4.6 step 4: "fetch the account (batched 20 at a time)").
type getAccountsRequest struct {
	UIDs []string `json:"uids"`
}

type getAccountsResponse struct {
	Accounts []accountDTO `json:"accounts"`
}

// GetAccounts implements dao.AccountsDAO.
func (a *Accounts) GetAccounts(ctx context.Context, uids []string) (map[string]dao.Account, error) {
	if len(uids) == 0 {
		return map[string]dao.Account{}, nil
	}
	var out getAccountsResponse
	if err := a.c.doJSON(ctx, http.MethodPost, "/internal/accounts/batch", getAccountsRequest{UIDs: uids}, &out); err != nil {
		return nil, fmt.Errorf("httpdao: get accounts %s: %w", strings.Join(uids, ","), err)
	}
	result := make(map[string]dao.Account, len(out.Accounts))
	for _, acct := range out.Accounts {
		result[acct.UID] = acct.toAccount()
	}
	return result, nil
}
