package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDurableNameSanitizesSubjectCharacters(t *testing.T) {
	require.Equal(t, "workers-sensor-data", durableName("sensor-data", "workers"))
	require.Equal(t, "g-a-b-c", durableName("a.b/c", "g"))
	require.Equal(t, "g----", durableName("*.>", "g"))
}
