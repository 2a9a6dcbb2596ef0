package pricing

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
)

// Domain-level error values returned by the catalog.
var (
	ErrInvalidProductType    = fmt.Errorf("%w: invalid product type", billing.ErrValidation)
	ErrInvalidPlanID         = fmt.Errorf("%w: invalid plan id", billing.ErrValidation)
	ErrInvalidPrice          = fmt.Errorf("%w: invalid custom price", billing.ErrValidation)
	ErrInvalidOverrideStatus = fmt.Errorf("%w: invalid override status", billing.ErrValidation)
	ErrEmptyBatch            = fmt.Errorf("%w: override batch is empty", billing.ErrValidation)
	ErrUnknownOverride       = errors.New("unknown price override")
)
