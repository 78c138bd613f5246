package augscm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portimpact/internal/errors"
	"portimpact/internal/scm"
)

func TestRunAugmentedSCM_NotAvailable(t *testing.T) {
	eng := NewEngine()
	req := scm.Request{Outcome: "pib_log", TreatedIDs: []string{"treated"}, TreatmentTime: 2014}

	res, err := eng.RunAugmentedSCM(nil, req)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errors.IsNotAvailable(err))
	assert.Contains(t, err.Error(), "not implemented")
	assert.Contains(t, err.Error(), "alternative methods")

	res, err = eng.RunAugmentedSCMWithDiagnostics(nil, req)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errors.IsNotAvailable(err))
}
