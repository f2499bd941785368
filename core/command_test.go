package core

import (
	"errors"
	"strings"
	"testing"

	"gospi/protocol"
)

func TestCommandRegistry(t *testing.T) {
	registry := NewCommandRegistry()

	var called bool
	id := registry.Register("test_command", "arg=%u", func(*protocol.Decoder) error {
		called = true
		return nil
	})
	if id != 0 {
		t.Errorf("Expected first command to have ID 0, got %d", id)
	}

	cmd, ok := registry.Lookup(id)
	if !ok {
		t.Fatal("Failed to retrieve registered command")
	}
	if cmd.Signature() != "test_command arg=%u" {
		t.Errorf("Unexpected signature %q", cmd.Signature())
	}

	if err := registry.Dispatch(id, protocol.NewDecoder(nil)); err != nil {
		t.Errorf("Dispatch failed: %v", err)
	}
	if !called {
		t.Error("Command handler was not called")
	}

	if err := registry.Dispatch(999, protocol.NewDecoder(nil)); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
}

func TestCommandRegistryMultiple(t *testing.T) {
	registry := NewCommandRegistry()

	noop := func(*protocol.Decoder) error { return nil }
	id1 := registry.Register("command1", "arg1=%u", noop)
	id2 := registry.RegisterResponse("response2", "arg2=%u")
	id3 := registry.Register("command3", "arg3=%u", noop)
	if id1 != 0 || id2 != 1 || id3 != 2 {
		t.Errorf("Command IDs not sequential: %d, %d, %d", id1, id2, id3)
	}
	if again := registry.Register("command1", "", noop); again != id1 {
		t.Errorf("Re-registration returned %d, want %d", again, id1)
	}
	if registry.Count() != 3 {
		t.Errorf("Count = %d, want 3", registry.Count())
	}

	// responses have no handler
	if err := registry.Dispatch(id2, protocol.NewDecoder(nil)); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Dispatching a response: got %v", err)
	}

	commands, responses := registry.CommandsAndResponses()
	if len(commands) != 2 || commands["command3 arg3=%u"] != 2 {
		t.Errorf("commands = %v", commands)
	}
	if len(responses) != 1 || responses["response2 arg2=%u"] != 1 {
		t.Errorf("responses = %v", responses)
	}
}

func TestCommandWithArguments(t *testing.T) {
	registry := NewCommandRegistry()

	var receivedValue uint32
	id := registry.Register("test_args", "value=%u", func(args *protocol.Decoder) error {
		val, err := args.Uint()
		receivedValue = val
		return err
	})

	enc := protocol.NewEncoder(nil)
	enc.Uint(12345)
	if err := registry.Dispatch(id, protocol.NewDecoder(enc.Result())); err != nil {
		t.Errorf("Dispatch failed: %v", err)
	}
	if receivedValue != 12345 {
		t.Errorf("Expected value 12345, got %d", receivedValue)
	}

	// truncated arguments surface the decode error with the command name
	err := registry.Dispatch(id, protocol.NewDecoder(nil))
	if !errors.Is(err, protocol.ErrBufferTooSmall) || !strings.HasPrefix(err.Error(), "test_args:") {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestDictionaryRoundTrip(t *testing.T) {
	registry := NewCommandRegistry()
	registry.RegisterResponse("identify_response", "offset=%u data=%*s")
	registry.Register("identify", "offset=%u count=%c", func(*protocol.Decoder) error { return nil })

	dict := NewDictionary(registry)
	dict.AddConstant("TEST_CONST", uint32(42))
	dict.AddConstant("TEST_STR", "hello")
	dict.AddEnumeration("test_pins", []string{"PA0", "", "PB0"})

	raw, err := dict.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	data, err := ParseDictionary(raw)
	if err != nil {
		t.Fatal(err)
	}

	if data.Version != Version {
		t.Errorf("version %q", data.Version)
	}
	if data.Config["TEST_CONST"] != "42" || data.Config["TEST_STR"] != "hello" {
		t.Errorf("config %v", data.Config)
	}
	if data.Commands["identify offset=%u count=%c"] != 1 {
		t.Errorf("commands %v", data.Commands)
	}
	if data.Responses["identify_response offset=%u data=%*s"] != 0 {
		t.Errorf("responses %v", data.Responses)
	}
	pins := data.Enumerations["test_pins"]
	if len(pins) != 2 || pins["PB0"] != 2 {
		t.Errorf("enumeration %v", pins)
	}
}

func TestDictionaryChunks(t *testing.T) {
	registry := NewCommandRegistry()
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		registry.Register("command_"+name, "oid=%c value=%u", func(*protocol.Decoder) error { return nil })
	}
	dict := NewDictionary(registry)
	full, err := dict.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	var got []byte
	for offset := uint32(0); ; {
		chunk, err := dict.Chunk(offset, 40)
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk) == 0 {
			break
		}
		if len(chunk) > 40 {
			t.Fatalf("chunk of %d bytes", len(chunk))
		}
		got = append(got, chunk...)
		offset += uint32(len(chunk))
	}
	if string(got) != string(full) {
		t.Error("reassembled dictionary differs")
	}

	if chunk, _ := dict.Chunk(uint32(len(full))+10, 40); len(chunk) != 0 {
		t.Errorf("chunk past end has %d bytes", len(chunk))
	}
}

func TestParseDictionaryRejectsGarbage(t *testing.T) {
	if _, err := ParseDictionary([]byte("not zlib")); err == nil {
		t.Error("expected an error")
	}
}
