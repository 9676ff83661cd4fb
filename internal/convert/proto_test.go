package convert

import (
	"testing"
	"time"

	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

var start = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func TestToProtoSession_Ongoing(t *testing.T) {
	t.Parallel()
	s := model.Session{
		ID: uuid.Must(uuid.NewV4()), DeviceID: uuid.Must(uuid.NewV4()),
		Start: start, LastActivity: start.Add(10 * time.Minute), Status: model.SessionOngoing,
	}
	out, err := ToProtoSession(s)
	require.NoError(t, err)

	got := out.GetFields()["session"].GetStructValue().GetFields()
	require.Equal(t, s.ID.String(), got["id"].GetStringValue())
	require.Equal(t, "ONGOING", got["status"].GetStringValue())
	require.Equal(t, "2026-03-01T18:10:00Z", got["last_activity"].GetStringValue())
	require.IsType(t, &structpb.Value_NullValue{}, got["end"].GetKind())
	require.IsType(t, &structpb.Value_NullValue{}, got["stats"].GetKind())
}

func TestToProtoSession_EndedWithStats(t *testing.T) {
	t.Parallel()
	end := start.Add(90 * time.Minute)
	s := model.Session{
		ID: uuid.Must(uuid.NewV4()), Start: start, End: &end, Status: model.SessionEnded, ManuallyEnded: true,
		Stats: &model.SessionStats{Samples: 3, Temperature: model.Range{Min: 60, Avg: 80, Max: 100}},
	}
	out, err := ToProtoSession(s)
	require.NoError(t, err)

	got := out.GetFields()["session"].GetStructValue().GetFields()
	require.Equal(t, float64(90*time.Minute/time.Millisecond), got["duration_ms"].GetNumberValue())
	require.True(t, got["manually_ended"].GetBoolValue())
	temp := got["stats"].GetStructValue().GetFields()["temperature"].GetStructValue().GetFields()
	require.Equal(t, 80.0, temp["avg"].GetNumberValue())
	require.Equal(t, 100.0, temp["max"].GetNumberValue())
}

func TestToProtoMeasurements_PreservesOrder(t *testing.T) {
	t.Parallel()
	ms := []model.Measurement{
		{Timestamp: start, Temperature: 70, Humidity: 10, Presence: 0},
		{Timestamp: start.Add(time.Minute), Temperature: 71, Humidity: 11, Presence: 25},
	}
	out, err := ToProtoMeasurements(ms)
	require.NoError(t, err)

	vals := out.GetFields()["measurements"].GetListValue().GetValues()
	require.Len(t, vals, 2)
	require.Equal(t, 25.0, vals[1].GetStructValue().GetFields()["presence"].GetNumberValue())
}

func TestToProtoDevices_Empty(t *testing.T) {
	t.Parallel()
	out, err := ToProtoDevices(nil)
	require.NoError(t, err)
	require.Empty(t, out.GetFields()["devices"].GetListValue().GetValues())
}

func TestRequestFields(t *testing.T) {
	t.Parallel()
	id := uuid.Must(uuid.NewV4())
	in := Request(map[string]string{"device_id": id.String(), "from": "2026-03-01T18:00:00Z", "to": ""})

	got, err := UUID(in, "device_id")
	require.NoError(t, err)
	require.Equal(t, id, got)

	from, err := Time(in, "from")
	require.NoError(t, err)
	require.True(t, from.Equal(start))

	_, err = Time(in, "to")
	require.ErrorContains(t, err, "to: required")

	_, err = UUID(Request(map[string]string{"device_id": "nope"}), "device_id")
	require.Error(t, err)

	require.Empty(t, String(nil, "x"))
}
