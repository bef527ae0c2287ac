package agent

// agentSource is the reader program run on the remote host, one process
// per SSH channel. It loops reading request frames on stdin and answering
// on stdout, exiting cleanly on stdin EOF. The success header is written
// and flushed before the body streams, so the client can start writing
// bytes as they arrive. Errors hit after the header has been sent cannot
// be reported in-band; the process exits non-zero and the client handles
// the closed channel.
//
// Setting SSHGET_AGENT_DEBUG in the remote environment logs each request
// to stderr.
const agentSource = `
import os
import struct
import sys

DEBUG = bool(os.environ.get('SSHGET_AGENT_DEBUG'))
PIECE = 262144


def log(msg):
    if DEBUG:
        sys.stderr.write('agent: %s\n' % msg)
        sys.stderr.flush()


def read_exact(stream, n):
    buf = b''
    while len(buf) < n:
        chunk = stream.read(n - len(buf))
        if not chunk:
            return None
        buf += chunk
    return buf


def send_error(stdout, exc):
    msg = str(exc).encode('utf-8')[:1000]
    stdout.write(struct.pack('>BQ', 1, len(msg)) + msg)
    stdout.flush()


def serve():
    stdin = sys.stdin.buffer
    stdout = sys.stdout.buffer
    while True:
        hdr = read_exact(stdin, 2)
        if hdr is None:
            return
        (path_len,) = struct.unpack('>H', hdr)
        body = read_exact(stdin, path_len + 16)
        if body is None:
            return
        path = body[:path_len].decode('utf-8')
        offset, length = struct.unpack('>QQ', body[path_len:])
        log('read %s offset=%d length=%d' % (path, offset, length))
        try:
            f = open(path, 'rb')
        except Exception as exc:
            send_error(stdout, exc)
            continue
        try:
            size = os.fstat(f.fileno()).st_size
            actual = min(length, max(0, size - offset))
            f.seek(offset)
        except Exception as exc:
            f.close()
            send_error(stdout, exc)
            continue
        stdout.write(struct.pack('>BQ', 0, actual))
        stdout.flush()
        remaining = actual
        while remaining > 0:
            piece = f.read(min(PIECE, remaining))
            if not piece:
                raise IOError('short read on %s' % path)
            stdout.write(piece)
            remaining -= len(piece)
        stdout.flush()
        f.close()


try:
    serve()
except Exception as exc:
    try:
        send_error(sys.stdout.buffer, exc)
    except Exception:
        pass
    sys.exit(1)
`
