package protocol

// Header flags.
const (
    FlagControl    uint8 = 1 << 0 // control message, no payload
    FlagFromServer uint8 = 1 << 6 // sent by a server
    FlagBigEndian  uint8 = 1 << 7 // payload is big-endian
)

// Application commands.
const (
    CmdBeacon               uint8 = 0
    CmdConnectionValidation uint8 = 1
    CmdEcho                 uint8 = 2
    CmdSearch               uint8 = 3
    CmdSearchResponse       uint8 = 4
    CmdAuthNZ               uint8 = 5
    CmdACLChange            uint8 = 6
    CmdCreateChannel        uint8 = 7
    CmdDestroyChannel       uint8 = 8
    CmdConnectionValidated  uint8 = 9
    CmdGet                  uint8 = 10
    CmdPut                  uint8 = 11
    CmdPutGet               uint8 = 12
    CmdMonitor              uint8 = 13
    CmdArray                uint8 = 14
    CmdDestroyRequest       uint8 = 15
    CmdProcess              uint8 = 16
    CmdGetField             uint8 = 17
    CmdMessage              uint8 = 18
    CmdMultipleData         uint8 = 19
    CmdRPC                  uint8 = 20
    CmdCancelRequest        uint8 = 21
)

// Control commands. The value travels in the payload size field.
const (
    CtrlMarkTotalBytes uint8 = 0
    CtrlAckTotalBytes  uint8 = 1
    CtrlSetByteOrder   uint8 = 2
    CtrlEchoRequest    uint8 = 3
    CtrlEchoResponse   uint8 = 4
    CtrlShutdown       uint8 = 5
)

// CommandName returns a short label for logging.
func CommandName(cmd uint8, control bool) string {
    if control {
        switch cmd {
        case CtrlMarkTotalBytes:
            return "mark-total-bytes"
        case CtrlAckTotalBytes:
            return "ack-total-bytes"
        case CtrlSetByteOrder:
            return "set-byte-order"
        case CtrlEchoRequest:
            return "echo-request"
        case CtrlEchoResponse:
            return "echo-response"
        case CtrlShutdown:
            return "shutdown"
        default:
            return "control"
        }
    }
    switch cmd {
    case CmdBeacon:
        return "beacon"
    case CmdConnectionValidation:
        return "connection-validation"
    case CmdEcho:
        return "echo"
    case CmdSearch:
        return "search"
    case CmdSearchResponse:
        return "search-response"
    case CmdCreateChannel:
        return "create-channel"
    case CmdDestroyChannel:
        return "destroy-channel"
    case CmdConnectionValidated:
        return "connection-validated"
    default:
        return "request"
    }
}
