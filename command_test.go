package relay

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCommandIdJsonString(t *testing.T) {

	cmd := DeviceCommand{
		Id:      1127553866351448064,
		Command: CommandRaiseBarrier,
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}

	//Simpleflake ids overflow json number consumers, they go out as strings
	if !strings.Contains(string(data), `"id":"1127553866351448064"`) {
		t.Fatalf("command id not serialized as string: %s", data)
	}

	var decoded DeviceCommand
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.Id != cmd.Id {
		t.Fatalf("id lost in round trip: %d", decoded.Id)
	}
}
