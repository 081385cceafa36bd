// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"context"
	"encoding/binary"
	"fmt"
)

type client struct {
	handler *RTUClientHandler
}

// NewClient creates a new modbus client on a connected handler.
func NewClient(handler *RTUClientHandler) Client {
	return &client{handler: handler}
}

// Request:
//
//	Function code         : 1 byte (0x01)
//	Starting address      : 2 bytes
//	Quantity of coils     : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x01)
//	Byte count            : 1 byte
//	Coil status           : N* bytes (=N or N+1)
func (mb *client) ReadCoils(ctx context.Context, address, quantity uint16) ([]byte, error) {
	return mb.read(ctx, FuncCodeReadCoils, address, quantity, 2000)
}

// Request:
//
//	Function code         : 1 byte (0x02)
//	Starting address      : 2 bytes
//	Quantity of inputs    : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x02)
//	Byte count            : 1 byte
//	Input status          : N* bytes (=N or N+1)
func (mb *client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]byte, error) {
	return mb.read(ctx, FuncCodeReadDiscreteInputs, address, quantity, 2000)
}

// Request:
//
//	Function code         : 1 byte (0x03)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x03)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
func (mb *client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	return mb.read(ctx, FuncCodeReadHoldingRegisters, address, quantity, 125)
}

// Request:
//
//	Function code         : 1 byte (0x04)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x04)
//	Byte count            : 1 byte
//	Input registers       : N bytes
func (mb *client) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	return mb.read(ctx, FuncCodeReadInputRegisters, address, quantity, 125)
}

// Request and response:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
func (mb *client) WriteSingleCoil(ctx context.Context, address, value uint16) ([]byte, error) {
	// The requested ON/OFF state can only be 0xFF00 and 0x0000
	if value != 0xFF00 && value != 0x0000 {
		return nil, fmt.Errorf("modbus: state '%v' must be either 0xFF00 (ON) or 0x0000 (OFF)", value)
	}
	return mb.write(ctx, FuncCodeWriteSingleCoil, dataBlock(address, value), "value", address, value)
}

// Request and response:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
func (mb *client) WriteSingleRegister(ctx context.Context, address, value uint16) ([]byte, error) {
	return mb.write(ctx, FuncCodeWriteSingleRegister, dataBlock(address, value), "value", address, value)
}

// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
func (mb *client) WriteMultipleCoils(ctx context.Context, address, quantity uint16, value []byte) ([]byte, error) {
	if err := checkQuantity("quantity", quantity, 1968); err != nil {
		return nil, err
	}
	return mb.write(ctx, FuncCodeWriteMultipleCoils, dataBlockSuffix(value, address, quantity), "quantity", address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
func (mb *client) WriteMultipleRegisters(ctx context.Context, address, quantity uint16, value []byte) ([]byte, error) {
	if err := checkQuantity("quantity", quantity, 123); err != nil {
		return nil, err
	}
	return mb.write(ctx, FuncCodeWriteMultipleRegisters, dataBlockSuffix(value, address, quantity), "quantity", address, quantity)
}

// Request and response:
//
//	Function code         : 1 byte (0x16)
//	Reference address     : 2 bytes
//	AND-mask              : 2 bytes
//	OR-mask               : 2 bytes
func (mb *client) MaskWriteRegister(ctx context.Context, address, andMask, orMask uint16) ([]byte, error) {
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeMaskWriteRegister,
		Data:         dataBlock(address, andMask, orMask),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	if err := checkEcho(response.Data, 3, address, andMask, orMask); err != nil {
		return nil, err
	}
	return response.Data[2:], nil
}

// Request:
//
//	Function code         : 1 byte (0x17)
//	Read starting address : 2 bytes
//	Quantity to read      : 2 bytes
//	Write starting address: 2 bytes
//	Quantity to write     : 2 bytes
//	Write byte count      : 1 byte
//	Write registers value : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x17)
//	Byte count            : 1 byte
//	Read registers value  : Nx2 bytes
func (mb *client) ReadWriteMultipleRegisters(ctx context.Context, readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	if err := checkQuantity("quantity to read", readQuantity, 125); err != nil {
		return nil, err
	}
	if err := checkQuantity("quantity to write", writeQuantity, 121); err != nil {
		return nil, err
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeReadWriteMultipleRegisters,
		Data:         dataBlockSuffix(value, readAddress, readQuantity, writeAddress, writeQuantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	return countedData(response.Data)
}

// Request:
//
//	Function code         : 1 byte (0x18)
//	FIFO pointer address  : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x18)
//	Byte count            : 2 bytes
//	FIFO count            : 2 bytes (<=31)
//	FIFO value register   : Nx2 bytes
func (mb *client) ReadFIFOQueue(ctx context.Context, address uint16) ([]byte, error) {
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeReadFIFOQueue,
		Data:         dataBlock(address),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	if len(response.Data) < 4 {
		return nil, fmt.Errorf("modbus: response data size '%v' is less than expected '%v'", len(response.Data), 4)
	}
	count := int(binary.BigEndian.Uint16(response.Data))
	if count != (len(response.Data) - 2) {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match count '%v'", len(response.Data)-2, count)
	}
	count = int(binary.BigEndian.Uint16(response.Data[2:]))
	if count > 31 {
		return nil, fmt.Errorf("modbus: fifo count '%v' is greater than expected '%v'", count, 31)
	}
	if 2*count != len(response.Data)-4 {
		return nil, fmt.Errorf("modbus: fifo value size '%v' does not match count '%v'", len(response.Data)-4, count)
	}
	return response.Data[4:], nil
}

// Request:
//
//	Function code         : 1 byte (0x07)
//
// Response:
//
//	Function code         : 1 byte (0x07)
//	Output data           : 1 byte
func (mb *client) ReadExceptionStatus(ctx context.Context) (byte, error) {
	response, err := mb.send(ctx, &ProtocolDataUnit{FunctionCode: FuncCodeReadExceptionStatus})
	if err != nil {
		return 0, err
	}
	if len(response.Data) != 1 {
		return 0, fmt.Errorf("modbus: response data size '%v' does not match expected '%v'", len(response.Data), 1)
	}
	return response.Data[0], nil
}

// Request and response:
//
//	Function code         : 1 byte (0x08)
//	Sub-function          : 2 bytes
//	Data                  : N x 2 bytes
func (mb *client) Diagnostics(ctx context.Context, subFunction uint16, data []byte) ([]byte, error) {
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeDiagnostic,
		Data:         append(dataBlock(subFunction), data...),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	if len(response.Data) < 2 {
		return nil, fmt.Errorf("modbus: response data size '%v' is less than expected '%v'", len(response.Data), 2)
	}
	if respValue := binary.BigEndian.Uint16(response.Data); respValue != subFunction {
		return nil, fmt.Errorf("modbus: response sub-function '%v' does not match request '%v'", respValue, subFunction)
	}
	return response.Data[2:], nil
}

// Request sends pdu unmodified and returns the response PDU. Exception
// responses are returned as *Error.
func (mb *client) Request(ctx context.Context, pdu *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	return mb.send(ctx, pdu)
}

// Broadcast sends pdu to address 0.
func (mb *client) Broadcast(ctx context.Context, pdu *ProtocolDataUnit) error {
	return mb.handler.Broadcast(ctx, pdu)
}

// Helpers

// read issues a bit or register read and returns the counted data.
func (mb *client) read(ctx context.Context, functionCode byte, address, quantity, max uint16) ([]byte, error) {
	if err := checkQuantity("quantity", quantity, max); err != nil {
		return nil, err
	}
	request := ProtocolDataUnit{
		FunctionCode: functionCode,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	return countedData(response.Data)
}

// write issues a write whose response echoes address and value.
func (mb *client) write(ctx context.Context, functionCode byte, data []byte, name string, address, value uint16) ([]byte, error) {
	request := ProtocolDataUnit{
		FunctionCode: functionCode,
		Data:         data,
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	if err := checkEcho(response.Data, 2, address); err != nil {
		return nil, err
	}
	results := response.Data[2:]
	if respValue := binary.BigEndian.Uint16(results); value != respValue {
		return nil, fmt.Errorf("modbus: response %s '%v' does not match request '%v'", name, respValue, value)
	}
	return results, nil
}

// send sends request and checks possible exception in the response.
func (mb *client) send(ctx context.Context, request *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	response, err := mb.handler.Send(ctx, request)
	if err != nil {
		return nil, err
	}
	// Check correct function code returned (exception)
	switch response.FunctionCode {
	case request.FunctionCode:
	case request.FunctionCode | exceptionFlag:
		return nil, responseError(response)
	default:
		return nil, fmt.Errorf("modbus: response function code '%v' does not match request '%v'", response.FunctionCode, request.FunctionCode)
	}
	if len(response.Data) == 0 && request.FunctionCode != FuncCodeReadExceptionStatus {
		// Empty response
		return nil, fmt.Errorf("modbus: response data is empty")
	}
	return response, nil
}

func checkQuantity(name string, quantity, max uint16) error {
	if quantity < 1 || quantity > max {
		return fmt.Errorf("modbus: %s '%v' must be between '%v' and '%v',", name, quantity, 1, max)
	}
	return nil
}

// countedData checks the leading byte count and strips it.
func countedData(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("modbus: response data is empty")
	}
	count := int(data[0])
	length := len(data) - 1
	if count != length {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match count '%v'", length, count)
	}
	return data[1:], nil
}

// checkEcho checks a response of size words that starts with the given ones.
func checkEcho(data []byte, size int, words ...uint16) error {
	// Fixed response length
	if len(data) != 2*size {
		return fmt.Errorf("modbus: response data size '%v' does not match expected '%v'", len(data), 2*size)
	}
	if respValue := binary.BigEndian.Uint16(data); words[0] != respValue {
		return fmt.Errorf("modbus: response address '%v' does not match request '%v'", respValue, words[0])
	}
	for i, w := range words[1:] {
		if respValue := binary.BigEndian.Uint16(data[2*(i+1):]); w != respValue {
			return fmt.Errorf("modbus: response value '%v' does not match request '%v'", respValue, w)
		}
	}
	return nil
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and append the suffix plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

func responseError(response *ProtocolDataUnit) error {
	mbError := &Error{FunctionCode: response.FunctionCode}
	if len(response.Data) > 0 {
		mbError.ExceptionCode = response.Data[0]
	}
	return mbError
}
