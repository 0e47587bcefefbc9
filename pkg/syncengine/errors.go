package syncengine

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

var (
	// ErrConnectionFailed means the connector rejected its configuration or could not
	// reach the provider.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrFetchFailed means the provider data could not be retrieved.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrMissingTransactionID is returned for records with neither id nor transactionId.
	ErrMissingTransactionID = errors.New("record has no id or transactionId")
	// ErrSyncInProgress is returned while another sync of the same integration holds the lock.
	ErrSyncInProgress = httperror.NewHTTPError(http.StatusConflict, "a sync is already in progress for this integration")
)
