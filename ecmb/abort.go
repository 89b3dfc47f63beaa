package ecmb

import (
	"errors"
	"fmt"
)

// ErrAborted is wrapped by AbortError.
var ErrAborted = errors.New("SDO transfer aborted")

type AbortCode uint32

const (
	AbortToggleBit             AbortCode = 0x05030000
	AbortTimeout               AbortCode = 0x05040000
	AbortInvalidCommand        AbortCode = 0x05040001
	AbortInvalidBlockSize      AbortCode = 0x05040002
	AbortInvalidSequence       AbortCode = 0x05040003
	AbortCRC                   AbortCode = 0x05040004
	AbortOutOfMemory           AbortCode = 0x05040005
	AbortUnsupportedAccess     AbortCode = 0x06010000
	AbortWriteOnly             AbortCode = 0x06010001
	AbortReadOnly              AbortCode = 0x06010002
	AbortSubIndexWriteOnly     AbortCode = 0x06010003
	AbortCompleteAccess        AbortCode = 0x06010004
	AbortObjectLengthExceeded  AbortCode = 0x06010005
	AbortObjectMappedToRxPDO   AbortCode = 0x06010006
	AbortNoObject              AbortCode = 0x06020000
	AbortCannotBeMapped        AbortCode = 0x06040041
	AbortPDOLengthExceeded     AbortCode = 0x06040042
	AbortParameterIncompatible AbortCode = 0x06040043
	AbortDeviceIncompatible    AbortCode = 0x06040047
	AbortHardware              AbortCode = 0x06060000
	AbortTypeMismatch          AbortCode = 0x06070010
	AbortDataTooLong           AbortCode = 0x06070012
	AbortDataTooShort          AbortCode = 0x06070013
	AbortNoSubIndex            AbortCode = 0x06090011
	AbortValueRange            AbortCode = 0x06090030
	AbortValueTooHigh          AbortCode = 0x06090031
	AbortValueTooLow           AbortCode = 0x06090032
	AbortMaxBelowMin           AbortCode = 0x06090036
	AbortGeneral               AbortCode = 0x08000000
	AbortCannotStore           AbortCode = 0x08000020
	AbortLocalControl          AbortCode = 0x08000021
	AbortDeviceState           AbortCode = 0x08000022
	AbortNoObjectDictionary    AbortCode = 0x08000023
)

var abortText = map[AbortCode]string{
	AbortToggleBit:             "toggle bit not changed",
	AbortTimeout:               "SDO protocol timeout",
	AbortInvalidCommand:        "client/server command specifier not valid or unknown",
	AbortInvalidBlockSize:      "invalid block size",
	AbortInvalidSequence:       "invalid sequence number",
	AbortCRC:                   "CRC error",
	AbortOutOfMemory:           "out of memory",
	AbortUnsupportedAccess:     "unsupported access to an object",
	AbortWriteOnly:             "attempt to read a write only object",
	AbortReadOnly:              "attempt to write a read only object",
	AbortSubIndexWriteOnly:     "subindex cannot be written, subindex 0 must be 0 for write access",
	AbortCompleteAccess:        "complete access not supported for variable length objects",
	AbortObjectLengthExceeded:  "object length exceeds mailbox size",
	AbortObjectMappedToRxPDO:   "object mapped to RxPDO, SDO download blocked",
	AbortNoObject:              "object does not exist in the object dictionary",
	AbortCannotBeMapped:        "object cannot be mapped to the PDO",
	AbortPDOLengthExceeded:     "number and length of mapped objects exceed the PDO length",
	AbortParameterIncompatible: "general parameter incompatibility",
	AbortDeviceIncompatible:    "general internal incompatibility in the device",
	AbortHardware:              "access failed due to a hardware error",
	AbortTypeMismatch:          "data type does not match, length of service parameter does not match",
	AbortDataTooLong:           "data type does not match, length of service parameter too high",
	AbortDataTooShort:          "data type does not match, length of service parameter too low",
	AbortNoSubIndex:            "subindex does not exist",
	AbortValueRange:            "value range of parameter exceeded",
	AbortValueTooHigh:          "value of parameter written too high",
	AbortValueTooLow:           "value of parameter written too low",
	AbortMaxBelowMin:           "maximum value is less than minimum value",
	AbortGeneral:               "general error",
	AbortCannotStore:           "data cannot be transferred or stored to the application",
	AbortLocalControl:          "data cannot be transferred or stored because of local control",
	AbortDeviceState:           "data cannot be transferred or stored because of the present device state",
	AbortNoObjectDictionary:    "object dictionary dynamic generation fails or no object dictionary present",
}

func (c AbortCode) String() string {
	if s, ok := abortText[c]; ok {
		return s
	}
	return fmt.Sprintf("abort code %#08x", uint32(c))
}

// AbortError is returned when the slave aborts an SDO transfer.
type AbortError struct {
	Object Object
	Code   AbortCode
}

func (e AbortError) Error() string {
	return fmt.Sprintf("SDO %v aborted: %v (%#08x)", e.Object, e.Code, uint32(e.Code))
}

func (e AbortError) Unwrap() error { return ErrAborted }
